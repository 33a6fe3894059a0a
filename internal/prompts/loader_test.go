package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"daily-summary", "email-reply", "issue-comment"}, Names())
}

func TestTemplate(t *testing.T) {
	tmpl, err := Template("email-reply")
	require.NoError(t, err)
	assert.Contains(t, tmpl, "{{.subject}}")

	_, err = Template("nonexistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRender(t *testing.T) {
	out, err := Render("issue-comment", map[string]string{
		"issue_key":   "OPS-42",
		"sender_name": "Ana",
		"title":       "VPN drops every hour",
		"description": "Since Monday the VPN disconnects.",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "issue OPS-42")
	assert.Contains(t, out, "Title: VPN drops every hour")
	assert.NotContains(t, out, "{{.")
}

func TestRender_MissingValues(t *testing.T) {
	_, err := Render("email-reply", map[string]string{"subject": "Hello", "body": "  "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender_name, body")
}
