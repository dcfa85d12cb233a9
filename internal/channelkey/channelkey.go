// Package channelkey derives canonical, order-independent identifiers for a
// pair of users.
package channelkey

import (
	"strings"

	"studybuddy/pkg/types"
)

// Separator joins the two ids. User ids may not contain it.
const Separator = "_"

// Sorted validates the pair and returns it in lexicographic order.
func Sorted(a, b string) ([2]string, error) {
	if err := types.ValidatePair(a, b); err != nil {
		return [2]string{}, err
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// Key returns the chat channel key for two distinct users. Key(a, b) and
// Key(b, a) are equal.
func Key(a, b string) (string, error) {
	pair, err := Sorted(a, b)
	if err != nil {
		return "", err
	}
	return pair[0] + Separator + pair[1], nil
}

// PairKey identifies the unordered pair in the connection ledger. It is
// derived the same way as Key but lives in a separate collection.
func PairKey(a, b string) (string, error) {
	return Key(a, b)
}

// Decode splits a key into its two ids in sorted order. It rejects keys that
// do not re-encode to themselves.
func Decode(key string) (string, string, error) {
	a, b, found := strings.Cut(key, Separator)
	if !found {
		return "", "", types.ErrInvalidChannelKey
	}
	canonical, err := Key(a, b)
	if err != nil || canonical != key {
		return "", "", types.ErrInvalidChannelKey
	}
	return a, b, nil
}

// Other returns the participant of key that is not userID.
func Other(key, userID string) (string, error) {
	a, b, err := Decode(key)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", types.ErrInvalidArgument
	}
}
