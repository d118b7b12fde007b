package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStalePrompt reports a resolution for a prompt the daemon no longer
// tracks. Consumers treat it as already resolved.
var ErrStalePrompt = errors.New("duplicate prompt unknown or already resolved")

// Choice is a duplicate-resolution decision. The *_all variants set a sticky
// policy covering every later collision in the same job.
type Choice string

const (
	ChoiceOverwrite    Choice = "overwrite"
	ChoiceOverwriteAll Choice = "overwrite_all"
	ChoiceSkip         Choice = "skip"
	ChoiceSkipAll      Choice = "skip_all"
	ChoiceRename       Choice = "rename"
	ChoiceRenameAll    Choice = "rename_all"
	ChoiceCancel       Choice = "cancel"
)

var choiceSet = map[Choice]struct{}{
	ChoiceOverwrite:    {},
	ChoiceOverwriteAll: {},
	ChoiceSkip:         {},
	ChoiceSkipAll:      {},
	ChoiceRename:       {},
	ChoiceRenameAll:    {},
	ChoiceCancel:       {},
}

// ParseChoice normalizes and validates a duplicate-resolution choice.
func ParseChoice(value string) (Choice, error) {
	choice := Choice(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := choiceSet[choice]; !ok {
		return "", fmt.Errorf("unknown duplicate choice %q", value)
	}
	return choice, nil
}

// All reports whether the choice applies to every later collision.
func (c Choice) All() bool {
	return c == ChoiceOverwriteAll || c == ChoiceSkipAll || c == ChoiceRenameAll
}

// Base strips the sticky variant down to its single-collision action.
func (c Choice) Base() Choice {
	switch c {
	case ChoiceOverwriteAll:
		return ChoiceOverwrite
	case ChoiceSkipAll:
		return ChoiceSkip
	case ChoiceRenameAll:
		return ChoiceRename
	default:
		return c
	}
}
