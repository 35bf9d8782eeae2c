// Package provider decodes generation results returned by the Fal queue,
// either pushed through a webhook or pulled from the result endpoint.
package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownShape = errors.New("provider: unrecognised result shape")

// Result is one of VideoResult, ImagesResult or ErrorResult.
type Result interface {
	isResult()
}

type VideoResult struct {
	URL  string
	Seed *int64
}

// ImagesResult keeps nil entries for image slots that produced nothing.
type ImagesResult struct {
	URLs []*string
	Seed *int64
}

type ErrorResult struct {
	Message string
}

func (VideoResult) isResult()  {}
func (ImagesResult) isResult() {}
func (ErrorResult) isResult()  {}

type file struct {
	URL string `json:"url"`
}

type payload struct {
	Video  *file            `json:"video"`
	Images []*file          `json:"images"`
	Seed   *int64           `json:"seed"`
	Detail *json.RawMessage `json:"detail"`
	Error  *json.RawMessage `json:"error"`
}

// Parse decodes a result payload.
func Parse(raw []byte) (Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty payload", ErrUnknownShape)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownShape, err)
	}

	switch {
	case p.Video != nil:
		if p.Video.URL == "" {
			return nil, fmt.Errorf("%w: video without url", ErrUnknownShape)
		}
		return VideoResult{URL: p.Video.URL, Seed: p.Seed}, nil
	case p.Images != nil:
		urls := make([]*string, len(p.Images))
		for i, img := range p.Images {
			if img != nil && img.URL != "" {
				u := img.URL
				urls[i] = &u
			}
		}
		return ImagesResult{URLs: urls, Seed: p.Seed}, nil
	case p.Detail != nil:
		return ErrorResult{Message: describe(*p.Detail)}, nil
	case p.Error != nil:
		return ErrorResult{Message: describe(*p.Error)}, nil
	}
	return nil, ErrUnknownShape
}

// describe flattens the error shapes Fal uses (string, {msg}, [{msg}]) into text.
func describe(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var one struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &one); err == nil && (one.Msg != "" || one.Message != "") {
		if one.Msg != "" {
			return one.Msg
		}
		return one.Message
	}
	var many []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		msgs := make([]string, 0, len(many))
		for _, m := range many {
			if m.Msg != "" {
				msgs = append(msgs, m.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(raw)
}
