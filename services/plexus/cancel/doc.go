// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cancel tracks cancellable units of work by ID.
//
// Each adapter invocation takes a Token from the Controller. The token's
// context is what the work observes; Controller.Cancel signals it from
// anywhere by ID, and Token.Finish releases it when the work returns.
//
//	tok, err := ctrl.Start(ctx, invocationID, 0)
//	if err != nil {
//	    return err
//	}
//	defer tok.Finish()
//	return run(tok.Context())
//
// Shutdown cancels every live token and waits a grace period for the work
// to release them.
package cancel
