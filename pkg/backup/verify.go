package backup

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Verify performs a basic sanity check of a mounted image before we report
// success. Missing pieces are returned as warnings; a backup of an unusual
// system is still a backup.
func Verify(fs afero.Fs, root, bootDir string) []string {
	var warnings []string

	requiredFiles := []string{
		filepath.Join(root, "etc", "os-release"),
		filepath.Join(root, "etc", "fstab"),
		filepath.Join(bootDir, "cmdline.txt"),
		filepath.Join(bootDir, "config.txt"),
	}
	for _, f := range requiredFiles {
		st, err := fs.Stat(f)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("required file %s is missing", f))
			continue
		}
		if st.IsDir() {
			warnings = append(warnings, fmt.Sprintf("expected file but found directory at %s", f))
		}
	}

	requiredDirs := []string{
		filepath.Join(root, "usr", "bin"),
	}
	for _, d := range requiredDirs {
		if ok, _ := afero.DirExists(fs, d); !ok {
			warnings = append(warnings, fmt.Sprintf("required directory %s is missing", d))
		}
	}

	kernels, _ := afero.Glob(fs, filepath.Join(bootDir, "kernel*.img"))
	vmlinuz, _ := afero.Glob(fs, filepath.Join(bootDir, "vmlinuz-*"))
	if len(kernels) == 0 && len(vmlinuz) == 0 {
		warnings = append(warnings, fmt.Sprintf("no kernel image found under %s", bootDir))
	}

	for _, p := range pseudoFilesystems {
		entries, err := afero.ReadDir(fs, filepath.Join(root, strings.TrimPrefix(p, "/")))
		if err == nil && len(entries) > 0 {
			warnings = append(warnings, fmt.Sprintf("%s is not empty in the image", p))
		}
	}

	if len(warnings) > 0 {
		logger := componentLogger("verify")
		logger.Warn().Strs("warnings", warnings).Msg("Image verification found problems")
	}
	return warnings
}
