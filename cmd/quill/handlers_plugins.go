package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillhost/quill/internal/config"
	"github.com/quillhost/quill/internal/manager"
	"github.com/quillhost/quill/internal/registry"
	"github.com/quillhost/quill/internal/version"
	"github.com/quillhost/quill/pkg/pluginsdk"
)

// newManager loads config, builds the plugin manager, and recovers persisted
// plugins. Every handler goes through here so all commands see the same view.
func newManager(cmd *cobra.Command, configPath string) (*manager.Manager, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg)

	var client *registry.Client
	if cfg.Registry.URL != "" {
		client = registry.NewClient(
			registry.NewHTTPTransport(cfg.Registry.URL),
			registry.WithFreshnessWindow(cfg.Registry.FreshnessWindow.Std()),
			registry.WithLogger(logger),
		)
	}

	mgr, err := manager.NewManager(&manager.Config{
		HostVersion: version.Version,
		PluginsPath: cfg.Plugins.Path,
		Registry:    client,
		CallTimeout: cfg.Plugins.CallTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Recover(cmd.Context()); err != nil {
		mgr.Close()
		return nil, nil, fmt.Errorf("recover plugins: %w", err)
	}
	return mgr, cfg, nil
}

func runPluginsSearch(cmd *cobra.Command, configPath, query, category, pluginType string, limit int) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	opts := registry.DefaultSearchOptions()
	opts.Category = category
	opts.Type = pluginsdk.PluginType(pluginType)
	if limit > 0 {
		opts.Limit = limit
	}

	results, err := mgr.SearchRegistry(cmd.Context(), query, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No plugins found.")
		return nil
	}

	fmt.Fprintf(out, "Found %d plugins:\n\n", len(results))
	for _, result := range results {
		entry := result.Entry
		status := ""
		if result.Installed {
			status = fmt.Sprintf(" [installed: %s]", result.InstalledVersion)
		}
		fmt.Fprintf(out, "  %s (%s)%s\n", entry.ID, entry.Version, status)
		if entry.Description != "" {
			desc := entry.Description
			if len(desc) > 70 {
				desc = desc[:67] + "..."
			}
			fmt.Fprintf(out, "    %s\n", desc)
		}
		if len(entry.Keywords) > 0 {
			fmt.Fprintf(out, "    Keywords: %s\n", strings.Join(entry.Keywords, ", "))
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runPluginsInstall(cmd *cobra.Command, configPath, pluginID, pinVersion string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	state, err := mgr.Install(cmd.Context(), pluginID, pinVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed %s@%s. Enable it with:\n\n  quill plugins enable %s\n",
		state.ID, state.Version, state.ID)
	return nil
}

func runPluginsList(cmd *cobra.Command, configPath string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	states := mgr.List()
	out := cmd.OutOrStdout()
	if len(states) == 0 {
		fmt.Fprintln(out, "No plugins installed.")
		return nil
	}
	for _, state := range states {
		fmt.Fprintf(out, "  %-40s %-10s %s\n", state.ID, state.Version, state.Status)
		if state.LastError != "" {
			fmt.Fprintf(out, "    last error: %s\n", state.LastError)
		}
	}
	return nil
}

func runPluginsInfo(cmd *cobra.Command, configPath, pluginID string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	state, err := mgr.Get(pluginID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runPluginsEnable(cmd *cobra.Command, configPath, pluginID string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Enable(cmd.Context(), pluginID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enabled %s.\n", pluginID)
	return nil
}

func runPluginsDisable(cmd *cobra.Command, configPath, pluginID string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Disable(cmd.Context(), pluginID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Disabled %s.\n", pluginID)
	return nil
}

func runPluginsRun(cmd *cobra.Command, configPath, pluginID, method, payload string) error {
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("args must be valid JSON: %s", payload)
	}

	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	result, err := mgr.Execute(cmd.Context(), pluginID, method, json.RawMessage(payload))
	if err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(result))
	return nil
}

func runPluginsUpdate(cmd *cobra.Command, configPath, pluginID, pinVersion string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	state, err := mgr.Update(cmd.Context(), pluginID, pinVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s to %s.\n", state.ID, state.Version)
	return nil
}

func runPluginsUninstall(cmd *cobra.Command, configPath, pluginID string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Uninstall(cmd.Context(), pluginID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s.\n", pluginID)
	return nil
}

func runPluginsConfig(cmd *cobra.Command, configPath, pluginID, patch string) error {
	mgr, _, err := newManager(cmd, configPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var effective map[string]any
	if patch == "" {
		effective, err = mgr.Config(pluginID)
	} else {
		var patchMap map[string]any
		if err := json.Unmarshal([]byte(patch), &patchMap); err != nil {
			return fmt.Errorf("patch must be a JSON object: %w", err)
		}
		effective, err = mgr.SetConfig(cmd.Context(), pluginID, patchMap)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(effective, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
