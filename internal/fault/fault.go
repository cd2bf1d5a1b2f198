// Package fault is groupbot's error taxonomy.
//
// It re-exports the parts of github.com/cockroachdb/errors the rest of the
// tree uses and defines the four failure kinds the dispatch engine reports:
//
//	ConfigurationMissing  credential/address/session absent; nothing attempted
//	GenerationFailure     the content generator returned nothing
//	SessionInitFailure    the delivery session could not become ready
//	DeliveryFailure       open-channel or deliver failed
//
// Errors are tagged with Mark so that Is/KindOf keep working through any
// amount of wrapping, and carry operator-facing hints via WithHint.
package fault

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	Is           = crdb.Is
	As           = crdb.As
	Mark         = crdb.Mark
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Kind markers. Compare with Is, never with ==.
var (
	ConfigurationMissing = crdb.New("configuration missing")
	GenerationFailure    = crdb.New("generation failure")
	SessionInitFailure   = crdb.New("session init failure")
	DeliveryFailure      = crdb.New("delivery failure")
)

var kinds = []struct {
	ref  error
	name string
}{
	{ConfigurationMissing, "configuration_missing"},
	{GenerationFailure, "generation_failure"},
	{SessionInitFailure, "session_init_failure"},
	{DeliveryFailure, "delivery_failure"},
}

// KindOf returns the snake_case kind name of err, "" for nil and "internal"
// for errors that carry no kind marker.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if crdb.Is(err, k.ref) {
			return k.name
		}
	}
	return "internal"
}

// Missing builds a ConfigurationMissing error for the named field with a hint.
func Missing(field, hint string) error {
	err := crdb.Mark(crdb.Newf("%s is not configured", field), ConfigurationMissing)
	if hint != "" {
		err = crdb.WithHint(err, hint)
	}
	return err
}
