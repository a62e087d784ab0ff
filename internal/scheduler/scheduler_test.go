package scheduler

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgeck/gomysql-backup/internal/models"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestCronSpec(t *testing.T) {
	spec, err := CronSpec("02:30")
	require.NoError(t, err)
	assert.Equal(t, "30 2 * * *", spec)

	spec, err = CronSpec("23:05")
	require.NoError(t, err)
	assert.Equal(t, "5 23 * * *", spec)

	spec, err = CronSpec("00:00")
	require.NoError(t, err)
	assert.Equal(t, "0 0 * * *", spec)
}

func TestCronSpec_Invalid(t *testing.T) {
	for _, input := range []string{"", "0230", "24:00", "12:60", "aa:bb"} {
		_, err := CronSpec(input)
		assert.Error(t, err, input)
	}
}

func TestAddTarget(t *testing.T) {
	s := New(testLogger())

	target := &models.TargetConfig{
		Name: "crm",
		Backup: models.BackupSettings{
			BackupTime: "02:30",
			ReportTime: "09:00",
		},
	}
	require.NoError(t, s.AddTarget(target, func() {}, func() {}))
	assert.Equal(t, 2, s.Entries())
}

func TestAddTarget_InvalidTime(t *testing.T) {
	s := New(testLogger())

	target := &models.TargetConfig{
		Name: "crm",
		Backup: models.BackupSettings{
			BackupTime: "26:00",
			ReportTime: "09:00",
		},
	}
	require.Error(t, s.AddTarget(target, func() {}, func() {}))
	assert.Zero(t, s.Entries())
}
