// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianResearch/services/orchestrator"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	env, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer env.close()

	token, err := apiToken()
	if err != nil {
		return err
	}
	srv, err := orchestrator.New(orchestrator.Config{
		Addr:     env.cfg.Server.Addr,
		APIToken: token,
	}, env.app.Service, env.logger.Slog())
	if err != nil {
		return err
	}
	env.logger.Slog().Info("serving research API",
		"addr", env.cfg.Server.Addr,
		"checkpoint_backend", env.cfg.Checkpoint.Backend,
		"auth_enabled", token != nil,
	)
	return srv.Run(ctx)
}
