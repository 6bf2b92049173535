package devices

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/panda-one/go-panda/internal/log"
)

const probeTimeout = 5 * time.Second

// card N: ID [Name], device M: ...
var alsaCardPattern = regexp.MustCompile(`^card (\d+):\s*[^\[]*\[([^\]]+)\]`)

// ALSAEnumerator probes ALSA devices with arecord/aplay. It is the default
// enumerator on Linux; every other platform falls back to Static.
type ALSAEnumerator struct{}

// Enumerate lists ALSA capture and playback cards as registry devices.
// A card appearing in both listings is merged into one device with both
// capabilities.
func (ALSAEnumerator) Enumerate() ([]Device, error) {
	inputs, inErr := probeALSA("arecord")
	outputs, outErr := probeALSA("aplay")
	if inErr != nil && outErr != nil {
		return nil, fmt.Errorf("probe ALSA: %w", inErr)
	}

	type caps struct {
		name    string
		in, out bool
	}
	merged := map[int]*caps{}
	var order []int

	add := func(cards map[int]string, input bool) {
		for card, name := range cards {
			c, ok := merged[card]
			if !ok {
				c = &caps{name: name}
				merged[card] = c
				order = append(order, card)
			}
			if input {
				c.in = true
			} else {
				c.out = true
			}
		}
	}
	add(inputs, true)
	add(outputs, false)

	devs := make([]Device, 0, len(order))
	for i, card := range order {
		c := merged[card]
		d := Device{
			Index:             i,
			Name:              c.name,
			HostAPI:           "ALSA",
			DefaultSampleRate: 48000,
		}
		if c.in {
			d.MaxInputChannels = 2
		}
		if c.out {
			d.MaxOutputChannels = 2
		}
		// ALSA card 0 is the system default for its direction.
		d.IsDefaultInput = c.in && i == 0
		d.IsDefaultOutput = c.out && i == 0
		devs = append(devs, d)
	}

	if len(devs) == 0 {
		return nil, ErrNoDevices
	}
	return devs, nil
}

// probeALSA runs an ALSA listing tool and returns card number -> name.
// The probe is bounded so a wedged sound stack cannot hang enumeration.
func probeALSA(tool string) (map[int]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, tool, "-l")
	output, err := cmd.CombinedOutput()
	if err != nil && len(output) == 0 {
		return nil, fmt.Errorf("%s -l: %w", tool, err)
	}

	cards := map[int]string{}
	for _, line := range strings.Split(string(output), "\n") {
		matches := alsaCardPattern.FindStringSubmatch(strings.TrimSpace(line))
		if len(matches) != 3 {
			continue
		}
		var card int
		if _, err := fmt.Sscanf(matches[1], "%d", &card); err != nil {
			continue
		}
		if _, seen := cards[card]; !seen {
			cards[card] = strings.TrimSpace(matches[2])
		}
	}

	if len(cards) == 0 {
		log.Debug("no ALSA cards reported", "tool", tool)
	}
	return cards, nil
}
