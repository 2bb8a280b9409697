//go:build !linux

package persist

import "os"

func preallocate(*os.File, int64) error { return nil }
func dropCache(*os.File) error          { return nil }
func syncFilesystem()                   {}
