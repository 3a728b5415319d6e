package utils

import (
	"golang.org/x/exp/constraints"
)

func Min[T constraints.Integer | constraints.Float](a, b T) (m T) {
	if a < b {
		return a
	}
	return b
}

func SaturatingSub[T constraints.Unsigned](a, b T) (d T) {
	if b > a {
		return 0
	}
	return a - b
}
