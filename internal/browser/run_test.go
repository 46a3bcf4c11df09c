package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"browsercoord-mcp-server/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunWithoutTabsReportsNoOpenPages(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := actionTool("noop", false, nil)

	resp, err := env.coord.Run(context.Background(), tool, nil)
	require.NoError(t, err)
	assert.Equal(t, NoOpenPagesText, resp.Text)
}

func TestRunHonoursResultOverride(t *testing.T) {
	env := newTestEnv(t, nil)
	tool := testTool{
		schema: ToolSchema{Name: "override"},
		handle: func(ctx context.Context, c *Coordinator, params map[string]any) (*ToolResult, error) {
			return &ToolResult{ResultOverride: &Response{Text: "fixed"}}, nil
		},
	}

	resp, err := env.coord.Run(context.Background(), tool, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", resp.Text)
}

func TestRunReportsPage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tab, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)

	tool := actionTool("navigate", false, func(ctx context.Context) error {
		return tab.Navigate(ctx, "https://example.com/")
	})
	resp, err := env.coord.Run(ctx, tool, nil)
	require.NoError(t, err)

	assert.False(t, resp.Preempted)
	assert.Contains(t, resp.Text, "- Ran:\n```\n// navigate\n```")
	assert.Contains(t, resp.Text, "- Page URL: https://example.com/")
	assert.Contains(t, resp.Text, "- Page Title: Title of https://example.com/")
	assert.NotContains(t, resp.Text, "### Open tabs")
	assert.NotContains(t, resp.Text, "### Current tab")
}

func TestRunListsTabsWhenSeveralOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)
	_, err = env.coord.NewTab(ctx)
	require.NoError(t, err)

	resp, err := env.coord.Run(ctx, actionTool("noop", false, nil), nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "### Open tabs")
	assert.Contains(t, resp.Text, "### Current tab")
}

func TestActionFinishingFirstWinsRace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)

	ran := false
	resp, err := env.coord.Run(ctx, actionTool("click", false, func(ctx context.Context) error {
		ran = true
		return nil
	}), nil)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, resp.Preempted)
	assert.Nil(t, env.coord.pending)

	require.NoError(t, env.coord.Close(ctx))
}

func TestActionErrorPropagates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)

	_, err = env.coord.Run(ctx, actionTool("click", true, func(ctx context.Context) error {
		return errBoom
	}), nil)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, env.coord.pending)
}

func TestDialogPreemptsAction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)
	page := env.currentFakePage(t)

	release := make(chan struct{})
	finished := make(chan struct{})
	dlg := &fakeDialog{typ: "confirm", message: "Leave page?"}

	tool := actionTool("click", true, func(ctx context.Context) error {
		defer close(finished)
		page.emit(engine.PageEvent{Kind: engine.EventDialog, Dialog: dlg})
		// The click blocks until the dialog is answered, like a real one would.
		<-release
		return nil
	})

	resp, err := env.coord.Run(ctx, tool, nil)
	require.NoError(t, err)
	assert.True(t, resp.Preempted)
	assert.Contains(t, resp.Text, "### Modal state")
	assert.Contains(t, resp.Text, `- ["confirm" dialog with message "Leave page?"]: can be handled by the "browser_handle_dialog" tool`)
	assert.NotContains(t, resp.Text, "Page URL")
	assert.True(t, env.coord.IsScriptBlocked())
	assert.Nil(t, env.coord.pending)

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("preempted action never finished")
	}
}

func TestModalStateGatesTools(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)
	page := env.currentFakePage(t)

	_, err = env.coord.Run(ctx, dialogTool, map[string]any{"accept": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can only be used when there is related modal state present")

	dlg := &fakeDialog{typ: "alert", message: "hi"}
	page.emit(engine.PageEvent{Kind: engine.EventDialog, Dialog: dlg})

	_, err = env.coord.Run(ctx, actionTool("click", false, nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not handle the modal state")

	resp, err := env.coord.Run(ctx, dialogTool, map[string]any{"accept": true})
	require.NoError(t, err)
	assert.False(t, env.coord.IsScriptBlocked())
	assert.True(t, dlg.accepted)
	assert.Contains(t, resp.Text, "- Page URL:")
}

func TestModalStateStack(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	tab, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)

	assert.Equal(t, "### Modal state\n- There is no modal state present", env.coord.ModalStatesMarkdown())

	a := &ModalState{Kind: ModalDialog, Description: "a"}
	b := &ModalState{Kind: ModalDialog, Description: "b"}
	env.coord.SetModalState(a, tab)
	env.coord.SetModalState(b, tab)
	require.Len(t, env.coord.ModalStates(), 2)

	// Equal content, different identity.
	env.coord.ClearModalState(&ModalState{Kind: ModalDialog, Description: "a"})
	require.Len(t, env.coord.ModalStates(), 2)

	env.coord.ClearModalState(a)
	states := env.coord.ModalStates()
	require.Len(t, states, 1)
	assert.Same(t, b, states[0])
	assert.Same(t, tab, states[0].Tab())
}

func TestClosingTabDropsItsModalStates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	first, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)
	second, err := env.coord.NewTab(ctx)
	require.NoError(t, err)

	first.Page().(*fakePage).emit(engine.PageEvent{Kind: engine.EventDialog, Dialog: &fakeDialog{typ: "alert", message: "one"}})
	second.Page().(*fakePage).emit(engine.PageEvent{Kind: engine.EventDialog, Dialog: &fakeDialog{typ: "alert", message: "two"}})
	require.Len(t, env.coord.ModalStates(), 2)

	require.NoError(t, first.Page().Close(ctx))
	states := env.coord.ModalStates()
	require.Len(t, states, 1)
	assert.Same(t, second, states[0].Tab())
}

func TestWaitForTimeoutFallsBackWhenBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, env.coord.WaitForTimeout(ctx, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)
	page := env.currentFakePage(t)
	page.evalErr = errBoom
	start = time.Now()
	require.NoError(t, env.coord.WaitForTimeout(ctx, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	page.evalErr = nil
	env.coord.SetModalState(&ModalState{Kind: ModalDialog, Description: "x"}, env.coord.CurrentTab())
	err = env.coord.WaitForTimeout(cctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestModalMarkdownNamesUnknownTool(t *testing.T) {
	env := newTestEnv(t, nil)
	env.coord.mu.Lock()
	env.coord.tools = nil
	env.coord.mu.Unlock()
	env.coord.SetModalState(&ModalState{Kind: ModalDialog, Description: "d"}, nil)

	md := env.coord.ModalStatesMarkdown()
	assert.True(t, strings.HasSuffix(md, `- [d]: can be handled by the "unknown" tool`))
}

func TestFailedDialogAnswerKeepsModalState(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.coord.EnsureTab(ctx)
	require.NoError(t, err)

	dlg := &fakeDialog{typ: "confirm", message: "Delete?", handleErr: errBoom}
	env.currentFakePage(t).emit(engine.PageEvent{Kind: engine.EventDialog, Dialog: dlg})

	_, err = env.coord.Run(ctx, dialogTool, map[string]any{"accept": true})
	require.ErrorIs(t, err, errBoom)
	require.Len(t, env.coord.ModalStates(), 1, "the dialog is still open")
	assert.True(t, env.coord.IsScriptBlocked())

	_, err = env.coord.Run(ctx, actionTool("click", false, nil), nil)
	require.Error(t, err, "other tools stay gated while the dialog is open")

	dlg.mu.Lock()
	dlg.handleErr = nil
	dlg.mu.Unlock()
	_, err = env.coord.Run(ctx, dialogTool, map[string]any{"accept": false})
	require.NoError(t, err)
	assert.True(t, dlg.dismissed)
	assert.Empty(t, env.coord.ModalStates())
}

func TestNonDialogModalStateDoesNotBlockScripts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.coord.SetModalState(&ModalState{Kind: ModalKind("fileChooser"), Description: "upload"}, nil)
	assert.False(t, env.coord.IsScriptBlocked())

	env.coord.SetModalState(&ModalState{Kind: ModalDialog, Description: "alert"}, nil)
	assert.True(t, env.coord.IsScriptBlocked())
}
