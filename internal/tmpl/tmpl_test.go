package tmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyExpandsDollarBraceVariables(t *testing.T) {
	c := New(map[string]interface{}{"Publisher": "Example Corp"})
	out, err := c.Apply("-pub ${Publisher}")
	require.NoError(t, err)
	require.Equal(t, "-pub Example Corp", out)
}

func TestApplyExpandsGoTemplateSyntax(t *testing.T) {
	c := New(map[string]interface{}{"Name": "demo"})
	out, err := c.Apply("{{ .Name | toupper }}")
	require.NoError(t, err)
	require.Equal(t, "DEMO", out)
}

func TestWithFileBindsFileNameAndPathWithoutMutatingParent(t *testing.T) {
	base := New(nil)
	derived := base.WithFile("app.dll", "/tmp/app.dll")

	require.Equal(t, "app.dll", derived.Get("FileName"))
	require.Equal(t, "/tmp/app.dll", derived.Get("FilePath"))
	require.Equal(t, "", base.Get("FileName"), "WithFile must not mutate the parent context")
}

func TestGetReturnsEmptyForMissingOrNonStringKeys(t *testing.T) {
	c := New(nil)
	c.Set("Count", 3)
	require.Equal(t, "", c.Get("Count"))
	require.Equal(t, "", c.Get("Missing"))
}
