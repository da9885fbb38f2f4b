package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".html"), []byte(body), 0o644))
}

func TestRenderSubstitutesTokensVerbatim(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, JobRejected, "<p>Job [JOB_ID] was rejected: [REASON]</p>")

	s := New(dir)
	out, err := s.Render(JobRejected, map[string]string{
		"[JOB_ID]": "42",
		"[REASON]": "unprintable geometry",
	})
	require.NoError(t, err)
	assert.Equal(t, "<p>Job 42 was rejected: unprintable geometry</p>", out)
}

func TestRenderMissingTemplate(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Render("nope", nil)
	assert.Error(t, err)
}

func TestValidateFailsFastOnMissingRequired(t *testing.T) {
	dir := t.TempDir()
	for _, name := range Required {
		writeTemplate(t, dir, name, "body")
	}
	require.NoError(t, New(dir).Validate())

	require.NoError(t, os.Remove(filepath.Join(dir, OperatorReply+".html")))
	err := New(dir).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), OperatorReply)
}
