package cronjob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiveFieldExpressions(t *testing.T) {
	for _, expr := range []string{
		"0 3 * * *",
		"*/5 * * * *",
		"* * * * *",
		"0 0 1,15 * *",
	} {
		schedule, err := ParseExpression(expr)
		require.NoError(t, err, expr)
		assert.False(t, schedule.Next(time.Now()).IsZero(), expr)
	}
}

func TestParseSixFieldExpression(t *testing.T) {
	schedule, err := ParseExpression("30 0 3 * * *")
	require.NoError(t, err)

	next := schedule.Next(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 30, next.Second())
	assert.Equal(t, 3, next.Hour())
}

func TestParseSevenFieldExpression(t *testing.T) {
	schedule, err := ParseExpression("0 0 3 * * * *")
	require.NoError(t, err)
	assert.False(t, schedule.Next(time.Now()).IsZero())

	_, err = ParseExpression("0 0 3 * * * 2030")
	require.NoError(t, err)
}

func TestParseInvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"not a cron",
		"",
		"* * *",
		"0 0 3 * * * banana",
		"61 * * * *",
	} {
		_, err := ParseExpression(expr)
		require.Error(t, err, expr)
	}
}

func TestNextRunWithinAMinute(t *testing.T) {
	schedule, err := ParseExpression("* * * * *")
	require.NoError(t, err)

	d := NextRunIn(schedule)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, time.Minute)
}

func TestNextRunEveryFiveMinutes(t *testing.T) {
	schedule, err := ParseExpression("*/5 * * * *")
	require.NoError(t, err)

	d := NextRunIn(schedule)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 5*time.Minute)
}
