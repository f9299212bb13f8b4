package pipeline

import "time"

// ResultFile is one artifact produced by a processing round.
type ResultFile struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	// Content holds inline data; URL references a remote copy. Exactly one
	// of the two is normally set.
	Content   string `json:"content,omitempty"`
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
	Online    bool   `json:"online"`
}

// InputFile is one user-supplied file attached to a task. The first file
// of a task is by convention the primary audio asset.
type InputFile struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Size      int64  `json:"size"`
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
	Online    bool   `json:"online"`
}

// Round records a single execution attempt of an operation. A round only
// moves forward (pending -> processing -> finished/error/ready); once it
// reaches a closed status all further activity opens a new round, so the
// ledger doubles as the audit trail of retries.
type Round struct {
	Status     TaskStatus   `json:"status"`
	Results    []ResultFile `json:"results"`
	Protocol   string       `json:"protocol"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// NewRound returns a fresh pending round with no results.
func NewRound() *Round {
	return &Round{Status: StatusPending, Results: []ResultFile{}}
}

// AppendProtocol adds a line to the round's human-readable log. The
// protocol is append-only within a round.
func (r *Round) AppendProtocol(line string) {
	if line == "" {
		return
	}
	if r.Protocol != "" {
		r.Protocol += "\n"
	}
	r.Protocol += line
}

// Begin marks the round as started with the given active status and
// records the start time.
func (r *Round) Begin(status TaskStatus, now time.Time) error {
	if r.Status.Closed() {
		return ErrRoundClosed
	}
	r.Status = status
	r.StartedAt = now
	return nil
}

// Close finalizes the round with a closed status and stamps its duration.
func (r *Round) Close(status TaskStatus, now time.Time) error {
	if r.Status == StatusFinished || r.Status == StatusError {
		return ErrRoundClosed
	}
	r.Status = status
	if !r.StartedAt.IsZero() {
		r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	}
	return nil
}
