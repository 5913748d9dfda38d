package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func proximitySession(id, room string, pos Vec3) *Session {
	sess := newSession(id, id, nil, testLogger())
	sess.Room = room
	sess.Position = pos
	return sess
}

func TestSameRoomWithinSymmetric(t *testing.T) {
	cases := []struct {
		name   string
		roomA  string
		roomB  string
		posA   Vec3
		posB   Vec3
		radius float64
		want   bool
	}{
		{"close", "town", "town", Vec3{}, Vec3{X: 3}, 15, true},
		{"exactly at radius", "town", "town", Vec3{}, Vec3{X: 15}, 15, true},
		{"beyond radius", "town", "town", Vec3{}, Vec3{X: 15.5}, 15, false},
		{"diagonal", "town", "town", Vec3{X: 9, Z: 12}, Vec3{}, 15, true},
		{"different rooms", "town", "iceberg", Vec3{}, Vec3{}, 15, false},
		{"no room", "", "", Vec3{}, Vec3{}, 15, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := proximitySession("a", tc.roomA, tc.posA)
			b := proximitySession("b", tc.roomB, tc.posB)
			assert.Equal(t, tc.want, SameRoomWithin(a, b, tc.radius))
			// Swapping the arguments must never change the verdict.
			assert.Equal(t, tc.want, SameRoomWithin(b, a, tc.radius),
				fmt.Sprintf("%s: asymmetric result", tc.name))
		})
	}
}
