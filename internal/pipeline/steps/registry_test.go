package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Noop(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "noop", Request{Params: map[string]string{"message": "hi"}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "hi", res.Detail)
	assert.Contains(t, r.Names(), "noop")
}

func TestRegistry_UnknownAction(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing", Request{})
	require.Error(t, err)

	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "missing", unknown.Name)
	assert.Contains(t, err.Error(), "unknown action")
}

func TestRegistry_RegisterAndExpand(t *testing.T) {
	r := NewRegistry()
	var seen Request
	r.Register("browser.click", ActionFunc(func(_ context.Context, req Request) (Result, error) {
		seen = req
		return Failed("selector %s not found", req.Params["selector"]), nil
	}))

	res, err := r.Execute(context.Background(), "browser.click", Request{
		JobName:  "workday_flow",
		Phase:    "start_work",
		Params:   map[string]string{"url": "{{target_url}}/clock", "selector": "#in"},
		Settings: map[string]string{"target_url": "https://portal.example.com"},
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "selector #in not found", res.Detail)
	assert.Equal(t, "https://portal.example.com/clock", seen.Params["url"])
	assert.Equal(t, []string{"browser.click", "noop"}, r.Names())
}

func TestExpandParams(t *testing.T) {
	settings := map[string]string{"user": "ana", "domain": "example.com"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "single", in: "{{user}}", want: "ana"},
		{name: "spaces", in: "{{ user }}@{{domain}}", want: "ana@example.com"},
		{name: "unknown kept", in: "{{missing}}", want: "{{missing}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := ExpandParams(map[string]string{"v": tt.in}, settings)
			assert.Equal(t, tt.want, out["v"])
		})
	}

	in := map[string]string{"v": "{{user}}"}
	_ = ExpandParams(in, settings)
	assert.Equal(t, "{{user}}", in["v"], "input is not mutated")
	assert.Nil(t, ExpandParams(nil, settings))
}
