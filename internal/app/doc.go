// Package app wires the license authority together and manages its
// lifecycle.
//
// # Initialization Flow
//
//	1. Initialize logging and OpenTelemetry
//	2. Unseal the keyring with the configured passphrase
//	3. Open the license repository (memory, JSON file or Google Sheets)
//	4. Open the audit sinks
//	5. Build the issuer, verifier and services
//	6. Build the HTTP router
//
// # Usage
//
//	application, err := app.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer application.Close(context.Background())
//	return application.Serve(ctx)
//
// Serve blocks until ctx is cancelled, then drains in-flight requests
// within the configured shutdown timeout. The package never calls
// os.Exit; errors are returned to the caller.
package app
