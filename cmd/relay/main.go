// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay runs the Aleutian image generation relay.
//
// # Configuration
//
// Sources are applied in order, later ones winning:
//
//  1. relay.yaml in the working directory (or --config)
//  2. .env in the working directory (or --env-file), which only fills
//     variables not already set
//  3. RELAY_* environment variables
//  4. command-line flags
//
// # Environment Variables
//
//   - RELAY_PORT: control surface port (default: 3005)
//   - RELAY_WS_PORT: extra client socket port (default: 3001, -1 disables)
//   - RELAY_DATA_DIR: data directory (default: ./data)
//   - RELAY_BACKEND_URL: backend HTTP root (default: http://127.0.0.1:8188)
//   - RELAY_BACKEND_PATH: backend installation directory
//   - RELAY_LOG_LEVEL: debug, info, warn or error (default: info)
//
// # Usage
//
//	relay                      # same as relay serve
//	relay serve --port 3005
//	relay models --json
//	relay check --backend-url http://gpu-box:8188
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
