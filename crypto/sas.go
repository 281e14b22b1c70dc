package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ExchangeKeyPair is an ephemeral X25519 key pair used for one SAS key
// agreement. It is discarded when the verification finishes.
type ExchangeKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateExchangeKeyPair creates a fresh ephemeral key pair for a SAS
// exchange.
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	kp := &ExchangeKeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}
	// Clamp per X25519 convention.
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive exchange public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret between our ephemeral
// private key and the peer's ephemeral public key.
func SharedSecret(private, peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return out, fmt.Errorf("key agreement failed: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}

// SASBytes holds the raw short-authentication-string material derived from
// a shared secret: 6 bytes feed the emoji form, 5 bytes the decimal form.
type SASBytes struct {
	Emoji   [6]byte
	Decimal [5]byte
}

// DeriveSAS expands the shared secret into SAS material. The info string
// binds the derivation to the two identities and the exchange transcript,
// so a substituted key exchange produces visibly different values.
func DeriveSAS(secret [32]byte, info string) (*SASBytes, error) {
	if info == "" {
		return nil, errors.New("SAS derivation info cannot be empty")
	}

	reader := hkdf.New(sha256.New, secret[:], nil, []byte(info))
	var material [11]byte
	if _, err := io.ReadFull(reader, material[:]); err != nil {
		return nil, fmt.Errorf("failed to derive SAS bytes: %w", err)
	}

	sas := &SASBytes{}
	copy(sas.Emoji[:], material[0:6])
	copy(sas.Decimal[:], material[6:11])

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSAS",
		"package":  "crypto",
		"info":     info,
	}).Debug("Derived short authentication strings")

	return sas, nil
}

// EmojiIndices unpacks seven 6-bit groups from the emoji bytes, each an
// index into the 64-entry SAS emoji table.
func (s *SASBytes) EmojiIndices() []int {
	b := s.Emoji
	return []int{
		int(b[0] >> 2),
		int(b[0]&0x3)<<4 | int(b[1]>>4),
		int(b[1]&0xF)<<2 | int(b[2]>>6),
		int(b[2] & 0x3F),
		int(b[3] >> 2),
		int(b[3]&0x3)<<4 | int(b[4]>>4),
		int(b[4]&0xF)<<2 | int(b[5]>>6),
	}
}

// Decimals unpacks the three 13-bit decimal groups, each offset into the
// 1000-9191 range.
func (s *SASBytes) Decimals() []int {
	b := s.Decimal
	return []int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		(int(b[1]&0x7)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		(int(b[3]&0x3F)<<7 | int(b[4])>>1) + 1000,
	}
}

// EmojiNames maps the emoji indices through the SAS emoji table.
func (s *SASBytes) EmojiNames() []string {
	indices := s.EmojiIndices()
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = sasEmojiTable[idx].Name
	}
	return names
}

// EmojiGlyphs maps the emoji indices to their display glyphs.
func (s *SASBytes) EmojiGlyphs() []string {
	indices := s.EmojiIndices()
	glyphs := make([]string, len(indices))
	for i, idx := range indices {
		glyphs[i] = sasEmojiTable[idx].Glyph
	}
	return glyphs
}

// ComputeMAC produces the confirmation MAC sent when the operator (or the
// auto-confirm policy) approves the displayed values.
func ComputeMAC(secret [32]byte, transcript string, message []byte) []byte {
	key := hkdf.New(sha256.New, secret[:], nil, []byte("SAS-MAC|"+transcript))
	var macKey [32]byte
	// Expanding 32 bytes from HKDF over a 32-byte secret cannot fail.
	_, _ = io.ReadFull(key, macKey[:])

	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyMAC checks a confirmation MAC in constant time.
func VerifyMAC(secret [32]byte, transcript string, message, expected []byte) bool {
	return hmac.Equal(ComputeMAC(secret, transcript, message), expected)
}

// SASEmoji is one entry of the 64-entry emoji table.
type SASEmoji struct {
	Glyph string
	Name  string
}

var sasEmojiTable = [64]SASEmoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// EmojiTableEntry returns the table entry for an index, for callers that
// render the comparison UI.
func EmojiTableEntry(index int) (SASEmoji, error) {
	if index < 0 || index >= len(sasEmojiTable) {
		return SASEmoji{}, fmt.Errorf("emoji index %d out of range", index)
	}
	return sasEmojiTable[index], nil
}
