package amcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArgument is returned for destinations or names that cannot be
// expressed as a single command line.
var ErrInvalidArgument = errors.New("amcp: invalid argument")

// Verbs as they appear on the wire; also used as metric labels.
const (
	verbLoadBG = "LOADBG"
	verbPlay   = "PLAY"
	verbPause  = "PAUSE"
	verbClear  = "CLEAR"
	verbCGAdd  = "CG ADD"
	verbCGStop = "CG STOP"
	verbCLS    = "CLS"
	verbTLS    = "TLS"
)

// overlay flash layer used for every CG call
const cgLayer = 1

func checkDest(channel, layer int) error {
	if channel < 1 {
		return fmt.Errorf("%w: channel %d", ErrInvalidArgument, channel)
	}
	if layer < 0 {
		return fmt.Errorf("%w: layer %d", ErrInvalidArgument, layer)
	}
	return nil
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: name %q", ErrInvalidArgument, name)
	}
	return nil
}

func layerAddr(channel, layer int) string {
	return fmt.Sprintf("%d-%d", channel, layer)
}

// quote wraps s in double quotes, escaping backslashes and quotes.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func loadBGCommand(channel, layer int, clip string, loop bool) (string, error) {
	if err := checkDest(channel, layer); err != nil {
		return "", err
	}
	if err := checkName(clip); err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("LOADBG %s %s AUTO", layerAddr(channel, layer), quote(clip))
	if loop {
		cmd += " LOOP"
	}
	return cmd, nil
}

func layerCommand(verb string, channel, layer int) (string, error) {
	if err := checkDest(channel, layer); err != nil {
		return "", err
	}
	return verb + " " + layerAddr(channel, layer), nil
}

func clearChannelCommand(channel int) (string, error) {
	if channel < 1 {
		return "", fmt.Errorf("%w: channel %d", ErrInvalidArgument, channel)
	}
	return fmt.Sprintf("CLEAR %d", channel), nil
}

// cgAddCommand builds `CG ch-layer ADD 1 "template" 1[ "data"]`. The
// trailing 1 plays the template on load; data travels as escaped JSON.
func cgAddCommand(channel, layer int, template string, data map[string]string) (string, error) {
	if err := checkDest(channel, layer); err != nil {
		return "", err
	}
	if err := checkName(template); err != nil {
		return "", err
	}
	cmd := fmt.Sprintf("CG %s ADD %d %s 1", layerAddr(channel, layer), cgLayer, quote(template))
	if len(data) > 0 {
		payload, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("amcp: encode template data: %w", err)
		}
		cmd += " " + quote(string(payload))
	}
	return cmd, nil
}

func cgStopCommand(channel, layer int) (string, error) {
	if err := checkDest(channel, layer); err != nil {
		return "", err
	}
	return fmt.Sprintf("CG %s STOP %d", layerAddr(channel, layer), cgLayer), nil
}
