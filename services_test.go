package lifetime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServices(t *testing.T) {
	tests := []struct {
		name     string
		input    Defaults
		expected Defaults
	}{
		{
			name:     "zero values fall back except lease time",
			input:    Defaults{},
			expected: Defaults{LeaseManagerPollTime: DefaultLeaseManagerPollTime, LeaseTime: 0, RenewOnCallTime: 0, SponsorshipTimeout: DefaultSponsorshipTimeout},
		},
		{
			name:     "built-in defaults",
			input:    DefaultDefaults(),
			expected: Defaults{LeaseManagerPollTime: 10 * time.Second, LeaseTime: 5 * time.Minute, RenewOnCallTime: 2 * time.Minute, SponsorshipTimeout: 2 * time.Minute},
		},
		{
			name:     "negative values fall back",
			input:    Defaults{LeaseManagerPollTime: -1, LeaseTime: -1, RenewOnCallTime: -1, SponsorshipTimeout: -1},
			expected: DefaultDefaults(),
		},
		{
			name:     "custom values kept",
			input:    Defaults{LeaseManagerPollTime: time.Second, LeaseTime: time.Minute, RenewOnCallTime: 3 * time.Second, SponsorshipTimeout: 4 * time.Second},
			expected: Defaults{LeaseManagerPollTime: time.Second, LeaseTime: time.Minute, RenewOnCallTime: 3 * time.Second, SponsorshipTimeout: 4 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewServices(tt.input).Defaults())
		})
	}
}

func TestServices_Setters(t *testing.T) {
	s := NewServices(DefaultDefaults())

	s.SetLeaseManagerPollTime(time.Second)
	s.SetLeaseTime(time.Minute)
	s.SetRenewOnCallTime(2 * time.Second)
	s.SetSponsorshipTimeout(3 * time.Second)

	assert.Equal(t, time.Second, s.LeaseManagerPollTime())
	assert.Equal(t, time.Minute, s.LeaseTime())
	assert.Equal(t, 2*time.Second, s.RenewOnCallTime())
	assert.Equal(t, 3*time.Second, s.SponsorshipTimeout())
}

func TestServices_CreateLease(t *testing.T) {
	s := NewServices(DefaultDefaults())
	before := s.CreateLease()

	s.SetLeaseTime(time.Minute)
	s.SetSponsorshipTimeout(time.Second)
	after := s.CreateLease()

	// Leases copy the settings once.
	assert.Equal(t, DefaultLeaseTime, before.InitialLeaseTime())
	assert.Equal(t, DefaultSponsorshipTimeout, before.SponsorshipTimeout())
	assert.Equal(t, time.Minute, after.InitialLeaseTime())
	assert.Equal(t, time.Second, after.SponsorshipTimeout())

	s.SetLeaseTime(0)
	assert.Equal(t, StateNull, s.CreateLease().CurrentState())
}

func TestServices_PollTimeFollowers(t *testing.T) {
	s := NewServices(DefaultDefaults())

	var a, b *Manager
	var err error
	a, err = NewManager(WithServices(s))
	require.NoError(t, err)
	defer a.Close()
	b, err = NewManager(WithServices(s))
	require.NoError(t, err)
	defer b.Close()

	s.SetLeaseManagerPollTime(time.Second)

	assert.Equal(t, time.Second, a.PollTime())
	assert.Equal(t, time.Second, b.PollTime())
}

func TestServices_ConcurrentAccess(t *testing.T) {
	s := NewServices(DefaultDefaults())

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(d time.Duration) {
			defer wg.Done()
			s.SetLeaseTime(d)
			s.SetLeaseManagerPollTime(d)
		}(time.Duration(i) * time.Second)
		go func() {
			defer wg.Done()
			_ = s.CreateLease()
			_ = s.Defaults()
		}()
	}
	wg.Wait()

	assert.Positive(t, s.LeaseTime())
	assert.Positive(t, s.LeaseManagerPollTime())
}
