//go:build !windows

package launcher

// Desktop environments other than Windows register URI handlers through
// .desktop files or app bundles, which are installed with the package.
func registerScheme(string) (bool, error) {
	return false, nil
}
