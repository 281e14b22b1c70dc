// Package bridgebot connects an end-to-end encrypted chat room to a
// conversational agent backend.
//
// The bridge logs in as a regular device, maintains its own encryption
// identity across restarts, verifies peer devices interactively over
// short authentication strings, and recovers historical room keys from
// export files and server-side backups. Messages that arrive before
// their group key are buffered and retried until the key shows up or a
// retention window expires.
//
// Example:
//
//	options := bridgebot.NewOptions()
//	options.GatewayURL = "wss://gateway.example.com/sync"
//	options.UserID = "@bot:example.com"
//	options.DeviceID = "BRIDGEBOT01"
//	options.AccessToken = token
//	options.DataDir = "/var/lib/bridgebot"
//
//	bridge, err := bridgebot.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	bridge.OnMessage(func(ev *transport.Event) {
//	    fmt.Printf("message in %s from %s\n", ev.RoomID, ev.Sender)
//	})
//
//	if err := bridge.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package bridgebot
