package retained

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	levelSeparator   = "/"
	singleLevel      = "+"
	multiLevel       = "#"
	maxTopicLength   = 65535
	systemTopicStart = '$'
)

var (
	// ErrNilTopic is returned for an empty topic or filter.
	ErrNilTopic = errors.New("retained: topic must not be empty")

	// ErrIllegalWildcard is returned when a wildcard is used where a plain
	// topic is required, or a filter places a wildcard illegally.
	ErrIllegalWildcard = errors.New("retained: illegal wildcard")

	// ErrMissingWildcard is returned by wildcard lookups given a plain topic.
	ErrMissingWildcard = fmt.Errorf("%w: filter contains no wildcard", ErrIllegalWildcard)

	// ErrInvalidTopic is returned for topics that are not valid UTF-8, contain
	// NUL or exceed the maximum length.
	ErrInvalidTopic = errors.New("retained: invalid topic")
)

// ContainsWildcard reports whether s contains '+' or '#'.
func ContainsWildcard(s string) bool {
	return strings.ContainsAny(s, singleLevel+multiLevel)
}

func validateCharacters(s string) error {
	if s == "" {
		return ErrNilTopic
	}
	if len(s) > maxTopicLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTopic)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopic)
	}
	return nil
}

// ValidateTopic checks that topic can name a retained message.
func ValidateTopic(topic string) error {
	if err := validateCharacters(topic); err != nil {
		return err
	}
	if ContainsWildcard(topic) {
		return fmt.Errorf("%w: topic %q", ErrIllegalWildcard, topic)
	}
	return nil
}

// ValidateFilter checks that filter is a well-formed subscription filter
// containing at least one wildcard.
func ValidateFilter(filter string) error {
	if err := validateCharacters(filter); err != nil {
		return err
	}
	if !ContainsWildcard(filter) {
		return fmt.Errorf("%w: %q", ErrMissingWildcard, filter)
	}

	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level of %q", ErrIllegalWildcard, filter)
			}
		case level == singleLevel:
		case ContainsWildcard(level):
			return fmt.Errorf("%w: wildcard must occupy a whole level of %q", ErrIllegalWildcard, filter)
		}
	}
	return nil
}

// Matches reports whether topic matches the subscription filter.
//
// Topics starting with '$' are not matched by filters whose first level is
// a wildcard.
func Matches(filter, topic string) bool {
	if topic == "" || filter == "" {
		return false
	}
	if topic[0] == systemTopicStart && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}

	fl := strings.Split(filter, levelSeparator)
	tl := strings.Split(topic, levelSeparator)

	for i, f := range fl {
		if f == multiLevel {
			// '#' also matches the parent level itself ("a/#" matches "a").
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != singleLevel && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
