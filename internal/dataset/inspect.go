// Package dataset collects surface-level information about an input dataset
// directory: detected recording format, byte size, file count, and the
// free-text metadata files the metadata agent will mine. The actual
// recording-format parser is an external collaborator; detection here relies
// only on format-identifying marker files.
package dataset

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/zjrosen/neuroflow/internal/faults"
	"github.com/zjrosen/neuroflow/internal/model"
)

// textExtensions are the file extensions treated as free-text metadata.
var textExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".rst": true,
}

// Inspect walks the dataset directory and returns its surface description.
// The path must already be validated as an existing directory.
func Inspect(root string) (*model.DatasetInfo, error) {
	info := &model.DatasetInfo{
		Path:   root,
		Format: model.FormatUnknown,
	}

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		fi, err := entry.Info()
		if err != nil {
			return err
		}
		info.FileCount++
		info.TotalSizeBytes += fi.Size()

		name := entry.Name()
		if tag := markerFormat(name); tag != model.FormatUnknown && info.Format == model.FormatUnknown {
			info.Format = tag
		}
		if textExtensions[strings.ToLower(filepath.Ext(name))] {
			info.TextFiles = append(info.TextFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindStorage, err, "inspecting dataset at %s", root)
	}

	info.HasTextFiles = len(info.TextFiles) > 0
	return info, nil
}

// markerFormat maps a format-identifying marker file to its format tag.
func markerFormat(name string) model.FormatTag {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".ap.meta"), strings.HasSuffix(lower, ".lf.meta"):
		return model.FormatSpikeGLX
	case lower == "settings.xml", strings.HasSuffix(lower, ".oebin"):
		return model.FormatOpenEphys
	case strings.HasSuffix(lower, ".rhd"), strings.HasSuffix(lower, ".rhs"):
		return model.FormatIntan
	case strings.HasSuffix(lower, ".ncs"), strings.HasSuffix(lower, ".nev"):
		return model.FormatNeuralynx
	default:
		return model.FormatUnknown
	}
}
