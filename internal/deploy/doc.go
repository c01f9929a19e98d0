// Package deploy defines the deployment executor the onboarding
// orchestrator drives, along with the request and result types exchanged
// with it. CommandExecutor invokes an external deploy tool; tests inject
// their own Executor.
package deploy
