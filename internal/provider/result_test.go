package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVideo(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(`{"video":{"url":"https://cdn/v.mp4","content_type":"video/mp4"},"seed":12}`))
	require.NoError(t, err)
	v, ok := r.(VideoResult)
	require.True(t, ok, "got %T", r)
	assert.Equal(t, "https://cdn/v.mp4", v.URL)
	require.NotNil(t, v.Seed)
	assert.Equal(t, int64(12), *v.Seed)
}

func TestParseImagesKeepsEmptySlots(t *testing.T) {
	t.Parallel()

	r, err := Parse([]byte(`{"images":[{"url":"https://cdn/a.png"},null,{"url":""}]}`))
	require.NoError(t, err)
	imgs, ok := r.(ImagesResult)
	require.True(t, ok, "got %T", r)
	require.Len(t, imgs.URLs, 3)
	assert.Equal(t, "https://cdn/a.png", *imgs.URLs[0])
	assert.Nil(t, imgs.URLs[1])
	assert.Nil(t, imgs.URLs[2])
	assert.Nil(t, imgs.Seed)
}

func TestParseErrorShapes(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`{"detail":"content policy violation"}`:                    "content policy violation",
		`{"detail":[{"msg":"prompt too long"},{"msg":"bad url"}]}`: "prompt too long; bad url",
		`{"error":{"message":"quota"}}`:                            "quota",
	}
	for raw, want := range tests {
		r, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		er, ok := r.(ErrorResult)
		require.True(t, ok, "%s: got %T", raw, r)
		assert.Equal(t, want, er.Message)
	}
}

func TestParseUnknownShape(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{``, `null`, `{}`, `{"video":{}}`, `[1,2]`, `{"detail":null}`} {
		_, err := Parse([]byte(raw))
		assert.ErrorIs(t, err, ErrUnknownShape, raw)
	}
}

func TestParseWebhookOK(t *testing.T) {
	t.Parallel()

	wh, err := ParseWebhook([]byte(`{
		"request_id":"req-1",
		"gateway_request_id":"gw-1",
		"status":"OK",
		"payload":{"video":{"url":"https://cdn/v.mp4"}}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "req-1", wh.RequestID)
	assert.Equal(t, "gw-1", wh.GatewayRequestID)
	assert.Equal(t, VideoResult{URL: "https://cdn/v.mp4"}, wh.Result)
}

func TestParseWebhookError(t *testing.T) {
	t.Parallel()

	wh, err := ParseWebhook([]byte(`{"request_id":"req-1","status":"ERROR","error":"Invalid status code: 422","payload":{"detail":[{"msg":"bad image"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorResult{Message: "Invalid status code: 422"}, wh.Result)

	wh, err = ParseWebhook([]byte(`{"request_id":"req-1","status":"ERROR","payload":{"detail":"nsfw"}}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorResult{Message: "nsfw"}, wh.Result)
}

func TestParseWebhookPayloadError(t *testing.T) {
	t.Parallel()

	wh, err := ParseWebhook([]byte(`{"request_id":"req-1","status":"OK","payload":null,"payload_error":"response too large"}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorResult{Message: "payload error: response too large"}, wh.Result)
}

func TestParseWebhookRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`{"status":"OK","payload":{}}`,
		`{"request_id":"r","status":"MAYBE"}`,
		`{"request_id":"r","status":"OK"}`,
	} {
		_, err := ParseWebhook([]byte(raw))
		assert.Error(t, err, raw)
	}
}
