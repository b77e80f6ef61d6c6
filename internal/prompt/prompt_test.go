package prompt

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/permission"
)

func testRequest() permission.Request {
	return permission.Request{
		PluginID:   "notes-1.0.0",
		PluginName: "notes",
		Items: []permission.PromptItem{
			{Capability: permission.FileSystem(true, false, "/srv/notes"), Reason: "read notes", Risk: permission.RiskMedium},
			{Capability: permission.Network(true, "api.example.com"), Risk: permission.RiskLow},
		},
	}
}

func TestTerminalPrompt(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		outcome permission.Outcome
		allowed int
	}{
		{"grant all", "y\n", permission.Allowed, 0},
		{"deny", "n\n", permission.Denied, 0},
		{"garbage denies", "maybe\n", permission.Denied, 0},
		{"each partial", "e\ny\nn\n", permission.Partial, 1},
		{"each all", "each\nyes\ny\n", permission.Allowed, 0},
		{"each none", "e\nn\nn\n", permission.Denied, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			p := NewTerminal(bytes.NewBufferString(tc.input), out)
			resp, err := p.Prompt(context.Background(), testRequest())
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, resp.Outcome)
			assert.Len(t, resp.Allowed, tc.allowed)
			assert.Contains(t, out.String(), `Plugin "notes" requests`)
			assert.Contains(t, out.String(), "read notes")
		})
	}
}

func TestTerminalKeepsBufferedInputAcrossPrompts(t *testing.T) {
	p := NewTerminal(bytes.NewBufferString("y\nn\n"), io.Discard)
	r1, err := p.Prompt(context.Background(), testRequest())
	require.NoError(t, err)
	r2, err := p.Prompt(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, r1.Outcome)
	assert.Equal(t, permission.Denied, r2.Outcome)
}

func TestTerminalEOF(t *testing.T) {
	p := NewTerminal(bytes.NewBufferString(""), io.Discard)
	_, err := p.Prompt(context.Background(), testRequest())
	assert.ErrorIs(t, err, io.EOF)
}

func TestTerminalHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := NewTerminal(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, testRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.IsInteractive())
}

func TestStaticAndSelect(t *testing.T) {
	r, err := AllowAll.Prompt(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, permission.Allowed, r.Outcome)

	r, err = DenyAll.Prompt(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, permission.Denied, r.Outcome)

	term := NewTerminal(bytes.NewBufferString(""), io.Discard)
	assert.Equal(t, permission.PromptHandler(DenyAll), Select(term, DenyAll))
}
