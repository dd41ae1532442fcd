// Package services implements the issuing authority on top of the license
// engine. It keeps HTTP handlers and CLI commands free of orchestration:
// every operation here ties together the key store, the issuer or verifier,
// the license repository and the audit sink.
//
// # Service Pattern
//
// Services are exposed as interfaces so handlers can be tested against
// mocks, take a context.Context first, and receive their collaborators
// through a Dependencies struct:
//
//	svc := services.NewLicenseService(services.Dependencies{
//		Keys:       store,
//		Issuer:     issuer,
//		Verifier:   verifier,
//		Repository: repo,
//		Audit:      sink,
//		Logger:     logger,
//	})
//
// Audit delivery is best-effort: a sink failure is logged and counted but
// never fails the operation that produced the event.
package services
