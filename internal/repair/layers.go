package repair

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrUnparsable is returned when no layer yields a usable object.
var ErrUnparsable = errors.New("unparsable analysis response")

// Layer is one decoding strategy. Layers run in order until one returns an
// object.
type Layer struct {
	Name string
	Fn   func(string) (map[string]any, error)
}

// Layers is the decoding chain, from strict to lenient.
var Layers = []Layer{
	{Name: "direct", Fn: decodeDirect},
	{Name: "fences", Fn: decodeFences},
	{Name: "braces", Fn: decodeBraces},
	{Name: "repair", Fn: decodeRepaired},
}

var errNoObject = errors.New("no JSON object found in content")

// Decode runs the layers over raw and returns the first object decoded
// with the name of the layer that produced it.
func Decode(raw string) (map[string]any, string, error) {
	var errs []error
	for _, l := range Layers {
		obj, err := l.Fn(raw)
		if err == nil && obj != nil {
			return obj, l.Name, nil
		}
		if err != nil {
			errs = append(errs, errors.New(l.Name+": "+err.Error()))
		}
	}
	return nil, "", errors.Join(append([]error{ErrUnparsable}, errs...)...)
}

func decodeDirect(s string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n?(.*?)```")

func decodeFences(s string) (map[string]any, error) {
	blocks := fenceRe.FindAllStringSubmatch(s, -1)
	if len(blocks) == 0 {
		return nil, errors.New("no fenced block")
	}
	var lastErr error
	for _, b := range blocks {
		obj, err := decodeDirect(b[1])
		if err == nil {
			return obj, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decodeBraces(s string) (map[string]any, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, errNoObject
	}
	return decodeDirect(s[start : end+1])
}

// decodeRepaired fixes the mistakes models commonly make in otherwise
// structured output, including responses cut off by the token limit.
func decodeRepaired(s string) (map[string]any, error) {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else if i := strings.Index(s, "```"); i >= 0 && !strings.Contains(s[:i], "{") {
		// An unterminated fence from a truncated response.
		s = s[i+3:]
	}
	start := strings.Index(s, "{")
	if start == -1 {
		return nil, errNoObject
	}
	body := s[start:]

	candidates := []string{body}
	// Prose after the outermost object is not JSON; retry without it.
	if end := strings.LastIndex(body, "}"); end > 0 && end+1 < len(body) {
		candidates = append(candidates, body[:end+1])
	}
	var lastErr error
	for _, c := range candidates {
		fixed, err := jsonrepair.JSONRepair(c)
		if err != nil {
			lastErr = err
			continue
		}
		obj, err := decodeDirect(fixed)
		if err == nil {
			return obj, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
