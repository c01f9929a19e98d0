// Package onboard drives accounts through onboarding: secret sync, the
// deploy retry loop, the health probe, optional model warm-up and promotion
// to ready. Each account runs on its own goroutine; every step is recorded
// as an audit event and streamed to subscribers through the EventBroker.
package onboard
