package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpSection(t *testing.T) {
	got := upSection("-- +goose Up\nCREATE TABLE t (id INT);\n\n-- +goose Down\nDROP TABLE t;\n")
	assert.Equal(t, "CREATE TABLE t (id INT);", strings.TrimSpace(got))

	assert.Equal(t, "SELECT 1;", upSection("SELECT 1;"))
}
