package job

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, tr := range legal {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusFailed},
		{StatusQueued, StatusQueued},
		{StatusRunning, StatusQueued},
		{StatusRunning, StatusRunning},
		{StatusSucceeded, StatusRunning},
		{StatusSucceeded, StatusQueued},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusQueued},
		{StatusCancelled, StatusRunning},
	}
	for _, tr := range illegal {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	for s, want := range map[Status]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	} {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestParametersValidate(t *testing.T) {
	t.Parallel()

	if err := DefaultParameters().Validate(); err != nil {
		t.Fatalf("default parameters should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Parameters)
	}{
		{"speed too low", func(p *Parameters) { p.Speed = 0 }},
		{"speed too high", func(p *Parameters) { p.Speed = 101 }},
		{"negative pen up delay", func(p *Parameters) { p.PenUpDelay = -1 }},
		{"pen down delay too high", func(p *Parameters) { p.PenDownDelay = 5001 }},
		{"timeout too short", func(p *Parameters) { p.TimeoutSeconds = 59 }},
		{"timeout too long", func(p *Parameters) { p.TimeoutSeconds = 86401 }},
		{"layers with letters", func(p *Parameters) { p.Layers = "1,2,abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}

	p := DefaultParameters()
	p.Layers = "1, 2, 3"
	if err := p.Validate(); err != nil {
		t.Errorf("numeric layer list should validate: %v", err)
	}
}
