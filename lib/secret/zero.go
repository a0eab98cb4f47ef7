// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package secret

// Zero overwrites every byte of data with zero.
func Zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
