//go:build windows

package launcher

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

func registerScheme(command string) (bool, error) {
	if current, err := readCommand(); err == nil && current == command {
		return false, nil
	}

	key, _, err := registry.CreateKey(registry.CURRENT_USER, schemeKeyPath, registry.ALL_ACCESS)
	if err != nil {
		return false, fmt.Errorf("creating scheme key: %w", err)
	}
	defer key.Close()
	if err := key.SetStringValue("", "URL:"+Scheme+" Protocol"); err != nil {
		return false, fmt.Errorf("setting scheme description: %w", err)
	}
	if err := key.SetStringValue("URL Protocol", ""); err != nil {
		return false, fmt.Errorf("marking url protocol: %w", err)
	}

	cmdKey, _, err := registry.CreateKey(key, `shell\open\command`, registry.ALL_ACCESS)
	if err != nil {
		return false, fmt.Errorf("creating command key: %w", err)
	}
	defer cmdKey.Close()
	if err := cmdKey.SetStringValue("", command); err != nil {
		return false, fmt.Errorf("setting command: %w", err)
	}
	return true, nil
}

// readCommand returns the currently registered handler command.
func readCommand() (string, error) {
	key, err := registry.OpenKey(registry.CURRENT_USER, schemeKeyPath+`\shell\open\command`, registry.QUERY_VALUE)
	if err != nil {
		return "", err
	}
	defer key.Close()
	v, _, err := key.GetStringValue("")
	return v, err
}
