package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/whiteboard/internal/domain"
)

func TestParsePoints(t *testing.T) {
	points, err := parsePoints([]string{"1,2", "3.5,-4"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Point{{X: 1, Y: 2}, {X: 3.5, Y: -4}}, points)

	_, err = parsePoints([]string{"1"})
	assert.Error(t, err)
	_, err = parsePoints([]string{"a,2"})
	assert.Error(t, err)
}
