// Package hitprofile converts recorded probe hits into a pprof profile, so
// that a coverage run can be browsed with go tool pprof -list or -top.
package hitprofile

import (
	"fmt"
	"time"

	"github.com/google/pprof/profile"

	"github.com/perfgo/covgrade/instrument"
	"github.com/perfgo/covgrade/probe"
)

// Sample value indexes.
const (
	statementsIdx = iota
	branchesIdx
)

// Builder accumulates probe hits into a profile.
type Builder struct {
	// Internal state for building the profile
	profile   *profile.Profile
	functions map[string]*profile.Function
	locations map[string]*profile.Location
	samples   map[*profile.Location]*profile.Sample
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		profile: &profile.Profile{
			SampleType: []*profile.ValueType{
				statementsIdx: {Type: "statements", Unit: "count"},
				branchesIdx:   {Type: "branches", Unit: "count"},
			},
			DefaultSampleType: "statements",
			PeriodType:        &profile.ValueType{Type: "probe", Unit: "count"},
			Period:            1,
			TimeNanos:         time.Now().UnixNano(),
		},
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
		samples:   make(map[*profile.Location]*profile.Sample),
	}
}

// Build returns a profile with one sample per executed source line of the
// given units. Source file names are the unit names, relative to the
// module root.
func Build(units []*instrument.Unit, data probe.Buffer) (*profile.Profile, error) {
	b := NewBuilder()
	for _, u := range units {
		if err := b.Add(u, data.Hits(u.Name)); err != nil {
			return nil, err
		}
	}
	return b.Profile(), nil
}

// Add records the hits of one unit.
func (b *Builder) Add(u *instrument.Unit, hits []uint32) error {
	if hits == nil {
		return nil
	}
	if len(hits) != len(u.Probes) {
		return fmt.Errorf("hit data for %s has %d counters, want %d", u.Name, len(hits), len(u.Probes))
	}

	for i, p := range u.Probes {
		if hits[i] == 0 {
			continue
		}
		idx := statementsIdx
		if p.Kind == instrument.KindBranch {
			idx = branchesIdx
		}
		loc := b.getOrCreateLocation(u, p)
		b.addSample(loc, idx, int64(hits[i]))
	}
	return nil
}

// Profile returns the built profile.
func (b *Builder) Profile() *profile.Profile {
	return b.profile
}

// getOrCreateFunction gets or creates a function
func (b *Builder) getOrCreateFunction(u *instrument.Unit, name string) *profile.Function {
	key := u.Name + "\x00" + name
	if fn, exists := b.functions[key]; exists {
		return fn
	}

	fn := &profile.Function{
		ID:         uint64(len(b.profile.Function) + 1),
		Name:       u.Package + "." + name,
		SystemName: u.Package + "." + name,
		Filename:   u.Name,
	}
	b.functions[key] = fn
	b.profile.Function = append(b.profile.Function, fn)
	return fn
}

func (b *Builder) getOrCreateLocation(u *instrument.Unit, p instrument.Probe) *profile.Location {
	fn := b.getOrCreateFunction(u, p.Func)

	locKey := fmt.Sprintf("%s:%s:%d", u.Name, p.Func, p.Line)
	loc, exists := b.locations[locKey]
	if !exists {
		loc = &profile.Location{
			ID: uint64(len(b.profile.Location) + 1),
			Line: []profile.Line{
				{Function: fn, Line: int64(p.Line)},
			},
		}
		b.locations[locKey] = loc
		b.profile.Location = append(b.profile.Location, loc)
	}
	return loc
}

// addSample adds count to the sample of loc, merging with an existing one.
func (b *Builder) addSample(loc *profile.Location, idx int, count int64) {
	if s, exists := b.samples[loc]; exists {
		s.Value[idx] += count
		return
	}

	s := &profile.Sample{
		Location: []*profile.Location{loc},
		Value:    make([]int64, len(b.profile.SampleType)),
	}
	s.Value[idx] = count
	b.samples[loc] = s
	b.profile.Sample = append(b.profile.Sample, s)
}
