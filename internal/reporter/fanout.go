package reporter

// FanOut wraps N reporters behind a single Reporter, fanning every call
// out synchronously in registration order, so the scheduler always sees
// exactly one reporter regardless of how many output formats a session
// requested.
type FanOut struct {
	reporters []Reporter
}

// NewFanOut returns a Reporter that forwards every event to each of rs in
// order.
func NewFanOut(rs ...Reporter) *FanOut {
	return &FanOut{reporters: rs}
}

func (f *FanOut) RunStart(count int) {
	for _, r := range f.reporters {
		r.RunStart(count)
	}
}

func (f *FanOut) TestStart(id uint64, file string) {
	for _, r := range f.reporters {
		r.TestStart(id, file)
	}
}

func (f *FanOut) TestFinished(id uint64, status Status, durationMS uint64, message string) {
	for _, r := range f.reporters {
		r.TestFinished(id, status, durationMS, message)
	}
}

func (f *FanOut) RunFinished(passed, failed, skipped int, durationMS uint64) {
	for _, r := range f.reporters {
		r.RunFinished(passed, failed, skipped, durationMS)
	}
}

func (f *FanOut) Error(message string) {
	for _, r := range f.reporters {
		r.Error(message)
	}
}

var _ Reporter = (*FanOut)(nil)
