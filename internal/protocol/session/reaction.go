package session

import "github.com/forPelevin/gomoji"

// ValidateReaction accepts exactly one emoji and nothing else.
func ValidateReaction(tag string) error {
	found := gomoji.CollectAll(tag)
	if len(found) != 1 || found[0].Character != tag {
		return ErrInvalidReaction
	}
	return nil
}
