package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

// PromptForDirectory prompts the user interactively for a directory path.
// Returns the current directory if the user enters nothing.
func PromptForDirectory() string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	fmt.Printf("Directory [%s]: ", cwd)

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read input, using current directory")
		return cwd
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return cwd
	}

	return input
}

// PickDocuments opens the native file dialog for multi-file selection,
// filtered to the supported document types. A canceled dialog returns
// (nil, nil).
func PickDocuments() ([]string, error) {
	selected, err := zenity.SelectFileMultiple(
		zenity.Title("Select documents"),
		zenity.FileFilters{
			{
				Name: "Documents",
				Patterns: []string{
					"*.pdf",
					"*.tif", "*.tiff",
					"*.png", "*.jpg", "*.jpeg",
				},
			},
		},
	)
	if err != nil {
		if errors.Is(err, zenity.ErrCanceled) {
			log.Info().Msg("Document selection canceled")
			return nil, nil
		}
		return nil, fmt.Errorf("file picker: %w", err)
	}
	return selected, nil
}

// PickDirectory opens the native directory chooser. A canceled dialog
// returns ("", nil).
func PickDirectory() (string, error) {
	selected, err := zenity.SelectFile(
		zenity.Directory(),
		zenity.Title("Select document folder"),
	)
	if err != nil {
		if errors.Is(err, zenity.ErrCanceled) {
			log.Info().Msg("Folder selection canceled")
			return "", nil
		}
		return "", fmt.Errorf("directory picker: %w", err)
	}
	return selected, nil
}
