package backup

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Stage is the last completed step of a start run.
type Stage int

const (
	StageAbsent Stage = iota
	StageCreated
	StageAttached
	StagePartitioned
	StageFormatted
	StageMounted
	StageSynced
	StageIdentityFixed
	StageUnmounted
	StageDetached
	StageCompressed
	StageDone
)

var stageNames = [...]string{
	StageAbsent:        "absent",
	StageCreated:       "created",
	StageAttached:      "attached",
	StagePartitioned:   "partitioned",
	StageFormatted:     "formatted",
	StageMounted:       "mounted",
	StageSynced:        "synced",
	StageIdentityFixed: "identity-fixed",
	StageUnmounted:     "unmounted",
	StageDetached:      "detached",
	StageCompressed:    "compressed",
	StageDone:          "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalYAML writes the stage name.
func (s Stage) MarshalYAML() (any, error) { return s.String(), nil }

// UnmarshalYAML reads a stage name.
func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	for i, name := range stageNames {
		if name == value.Value {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", value.Value)
}

// Session owns the resources of one workflow run. Components receive what
// they need from it; nothing is kept in package state.
type Session struct {
	Image  ImageFile
	Source SourceDevice
	Loop   *LoopBinding
	Layout PartitionLayout
	Mount  *MountSession
	Stage  Stage

	teardown teardownStack
}

func (s *Session) advance(stage Stage) {
	s.Stage = stage
	logger := componentLogger("lifecycle")
	logger.Debug().Str("stage", stage.String()).Msg("Stage completed")
}

// checkpoint returns INTERRUPTED once ctx is cancelled. It runs between
// stages so an interrupt never starts a new step.
func (s *Session) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Wrapf(err, ErrInterrupted, "interrupted after stage %s", s.Stage).WithDetail("stage", s.Stage.String())
	}
	return nil
}

type releaser struct {
	name string
	fn   func(ctx context.Context) error
}

// teardownStack releases acquired resources in reverse order. Each releaser
// runs at most once, whether the run ended normally, failed or was
// interrupted.
type teardownStack struct {
	items []releaser
}

func (t *teardownStack) push(name string, fn func(ctx context.Context) error) {
	t.items = append(t.items, releaser{name: name, fn: fn})
}

func (t *teardownStack) len() int { return len(t.items) }

// unwind runs every releaser, newest first, and joins their errors. A
// failing releaser does not stop the ones below it; each of them guards
// its own preconditions.
func (t *teardownStack) unwind(ctx context.Context) error {
	logger := componentLogger("lifecycle")
	var errs []error
	for len(t.items) > 0 {
		r := t.items[len(t.items)-1]
		t.items = t.items[:len(t.items)-1]
		logger.Debug().Str("release", r.name).Msg("Releasing")
		if err := r.fn(ctx); err != nil {
			logger.Error().Err(err).Str("release", r.name).Msg("Teardown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
