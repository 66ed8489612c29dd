package natsbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	require := require.New(t)

	require.Equal("whiteboard.room.lesson-42", Subject("lesson-42"))
	require.Equal("whiteboard.room.a_b_c_d", Subject("a.b*c>d"))
	require.Equal("whiteboard.room.two_words", Subject("two words"))

	room, ok := RoomFromSubject(Subject("lesson-42"))
	require.True(ok)
	require.Equal("lesson-42", room)

	_, ok = RoomFromSubject("draft.events.x")
	require.False(ok)
	_, ok = RoomFromSubject(SubjectPrefix)
	require.False(ok)
}

func TestNewRequiresRoom(t *testing.T) {
	_, err := New(context.Background(), nil, Config{})
	require.Error(t, err)
}
