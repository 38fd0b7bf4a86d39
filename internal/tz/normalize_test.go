package tz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmptyInput(t *testing.T) {
	table := NewTable()
	assert.Equal(t, "UTC", table.Normalize(""))
}

func TestNormalizeExactMatch(t *testing.T) {
	table := loadedTable(t)
	assert.Equal(t, "America/New_York", table.Normalize("America/New_York"))
}

func TestNormalizeCaseInsensitive(t *testing.T) {
	table := loadedTable(t)
	assert.Equal(t, "America/New_York", table.Normalize("america/new_york"))
	assert.Equal(t, "Australia/Sydney", table.Normalize("AUSTRALIA/SYDNEY"))
}

func TestNormalizeSuffixMatch(t *testing.T) {
	table := loadedTable(t)
	assert.Equal(t, "America/New_York", table.Normalize("New_York"))
	assert.Equal(t, "Australia/Sydney", table.Normalize("sydney"))
}

func TestNormalizeStripsQuotingArtifacts(t *testing.T) {
	table := loadedTable(t)
	assert.Equal(t, "America/New_York", table.Normalize(`"America/New_York"`))
	assert.Equal(t, "America/New_York", table.Normalize(`America\/New_York`))
	assert.Equal(t, "America/New_York", table.Normalize("  America/New_York/  "))
}

func TestNormalizeUnknownReturnsCleanedForm(t *testing.T) {
	table := loadedTable(t)
	assert.Equal(t, "Mars/Olympus_Mons", table.Normalize(` "Mars/Olympus_Mons" `))
}

func TestNormalizeMemoizesByRawInput(t *testing.T) {
	table := loadedTable(t)

	first := table.Normalize("new_york")
	second := table.Normalize("new_york")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, table.Info().MemoSize)

	table.Normalize("sydney")
	assert.Equal(t, 2, table.Info().MemoSize)
}

func TestNormalizeWithUnloadedTable(t *testing.T) {
	// Without resident zone data only cleanup applies.
	table := NewTable()
	assert.Equal(t, "America/New_York", table.Normalize(`"America/New_York"`))
	assert.Equal(t, "new_york", table.Normalize("new_york"))
}
