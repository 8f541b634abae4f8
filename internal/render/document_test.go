package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
)

const testToken = "0123456789abcdef0123456789abcdef"

func TestRender(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRenderer(dir, nil)
	require.NoError(t, err)

	att, err := r.Render(context.Background(), domain.Document{
		Token:       testToken,
		TrackingURL: "http://track.test/" + testToken,
		Name:        "Wire Transfer",
		Body:        "Account **details** follow.\n\n<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Wire Transfer.html", att.Filename)
	assert.Equal(t, "text/html", att.ContentType)
	assert.Equal(t, filepath.Join(dir, testToken, "Wire Transfer.html"), att.Path)

	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	page := string(data)
	assert.Contains(t, page, "<title>Information</title>")
	assert.Contains(t, page, "<strong>details</strong>")
	assert.Contains(t, page, `href="http://track.test/`+testToken+`"`)
	assert.NotContains(t, page, "<script>", "raw html in the body is not rendered")
}

func TestRenderSections(t *testing.T) {
	r, err := NewRenderer(t.TempDir(), nil)
	require.NoError(t, err)

	att, err := r.Render(context.Background(), domain.Document{
		Token:       testToken,
		TrackingURL: "http://track.test/" + testToken,
		Title:       "Invoice",
		Subtitle:    "Q3",
		Section:     "Summary",
		Body:        "text",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultDocumentName+".html", att.Filename)

	data, err := os.ReadFile(att.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<h2>Q3</h2>")
	assert.Contains(t, string(data), "<h3>Summary</h3>")
}

func TestRenderRejectsInvalidInput(t *testing.T) {
	r, err := NewRenderer(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = r.Render(context.Background(), domain.Document{Token: "../etc", TrackingURL: "http://x"})
	assert.Error(t, err)

	_, err = r.Render(context.Background(), domain.Document{Token: testToken})
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	r, err := NewRenderer(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, "info.html", r.Filename("  "))
	assert.Equal(t, "report.html", r.Filename("report.pdf"))
	assert.Equal(t, "passwd.html", r.Filename("../../passwd"))
}
