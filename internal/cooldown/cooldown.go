// Package cooldown implements the bandwidth-tiered minimum interval
// between requests.
package cooldown

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Cooldown is a single policy step: a wait duration that applies once the
// monthly bandwidth usage reaches the threshold.
type Cooldown struct {
	// Duration is the cooldown duration.
	Duration time.Duration

	// Bandwidth is the usage threshold in GiB.
	Bandwidth int
}

// Policy is an immutable list of cooldown steps sorted descending by
// threshold, deduplicated by threshold keeping the longest duration.
type Policy struct {
	cooldowns []Cooldown
}

// ParseCooldown parses a single "duration[:bandwidth]" step. Durations are
// whole seconds. An empty step means no cooldown.
func ParseCooldown(text string) (Cooldown, error) {
	if index := strings.Index(text, ":"); index > 0 {
		duration, err := strconv.Atoi(text[:index])
		if err != nil {
			return Cooldown{}, fmt.Errorf("invalid cooldown duration %q: %w", text, err)
		}
		bandwidth, err := strconv.Atoi(text[index+1:])
		if err != nil {
			return Cooldown{}, fmt.Errorf("invalid cooldown bandwidth %q: %w", text, err)
		}
		return Cooldown{Duration: time.Duration(duration) * time.Second, Bandwidth: bandwidth}, nil
	}

	if text != "" {
		duration, err := strconv.Atoi(text)
		if err != nil {
			return Cooldown{}, fmt.Errorf("invalid cooldown %q: %w", text, err)
		}
		return Cooldown{Duration: time.Duration(duration) * time.Second}, nil
	}

	return Cooldown{}, nil
}

// ParsePolicy parses a comma-separated list of cooldown steps
func ParsePolicy(spec string) (Policy, error) {
	var cooldowns []Cooldown

	for _, step := range strings.Split(strings.ReplaceAll(spec, " ", ""), ",") {
		cooldown, err := ParseCooldown(step)
		if err != nil {
			return Policy{}, err
		}
		cooldowns = append(cooldowns, cooldown)
	}

	sort.SliceStable(cooldowns, func(i, j int) bool {
		return cooldowns[i].Bandwidth > cooldowns[j].Bandwidth
	})

	// Keep only the longest duration at each threshold
	deduped := cooldowns[:0]
	for _, cooldown := range cooldowns {
		if n := len(deduped); n > 0 && deduped[n-1].Bandwidth == cooldown.Bandwidth {
			if cooldown.Duration > deduped[n-1].Duration {
				deduped[n-1] = cooldown
			}
			continue
		}
		deduped = append(deduped, cooldown)
	}

	return Policy{cooldowns: deduped}, nil
}

// Apply returns the cooldown duration for the given bandwidth usage in
// GiB. A negative usage means the reading is unavailable and yields zero.
func (p Policy) Apply(usageGiB int) time.Duration {
	if usageGiB < 0 {
		return 0
	}
	for _, cooldown := range p.cooldowns {
		if cooldown.Bandwidth <= usageGiB {
			return cooldown.Duration
		}
	}
	return 0
}

// Steps returns the policy steps, highest threshold first
func (p Policy) Steps() []Cooldown {
	return p.cooldowns
}

func (p Policy) String() string {
	steps := make([]string, len(p.cooldowns))
	for i, cooldown := range p.cooldowns {
		steps[i] = fmt.Sprintf("%d:%d", int(cooldown.Duration.Seconds()), cooldown.Bandwidth)
	}
	return strings.Join(steps, ", ")
}
