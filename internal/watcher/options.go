package watcher

import "time"

// Options tune one watcher. Zero fields take the defaults.
type Options struct {
	// PollInterval bounds how long the idle loop waits on the queue before
	// checking pane liveness.
	PollInterval time.Duration
	// IdleThreshold is how long the pane must be unchanged before deciding.
	IdleThreshold time.Duration
	// IdlePollInterval is the capture cadence while settling.
	IdlePollInterval time.Duration
	// MaxTranscript caps the transcript entry count.
	MaxTranscript int
	// TailLines is how much pane output an on-demand pause shows the model.
	TailLines int
	// PromptTailEntries is how many transcript entries go into a prompt.
	PromptTailEntries int
	// EntryTextBudget truncates each rendered transcript entry.
	EntryTextBudget int
	// TranscriptBudget caps the rendered transcript section in characters.
	// Zero disables truncation.
	TranscriptBudget int
	// DefaultWait is the sleep for a wait with no command. Zero leaves it to
	// the Waiter.
	DefaultWait time.Duration
	// PressEnter submits injected commands.
	PressEnter bool
	// QueueSize bounds pending trigger events.
	QueueSize int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		PollInterval:      800 * time.Millisecond,
		IdleThreshold:     3 * time.Second,
		IdlePollInterval:  200 * time.Millisecond,
		MaxTranscript:     200,
		TailLines:         160,
		PromptTailEntries: 20,
		EntryTextBudget:   200,
		PressEnter:        true,
		QueueSize:         32,
	}
}

// withDefaults fills zero fields from DefaultOptions. PressEnter and
// TranscriptBudget are taken as given.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = d.IdleThreshold
	}
	if o.IdlePollInterval <= 0 {
		o.IdlePollInterval = d.IdlePollInterval
	}
	if o.MaxTranscript <= 0 {
		o.MaxTranscript = d.MaxTranscript
	}
	if o.TailLines <= 0 {
		o.TailLines = d.TailLines
	}
	if o.PromptTailEntries <= 0 {
		o.PromptTailEntries = d.PromptTailEntries
	}
	if o.EntryTextBudget <= 0 {
		o.EntryTextBudget = d.EntryTextBudget
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	return o
}
