//go:build devotp

package main

// Built with -tags devotp: /v1/login/start echoes the issued code in the
// response. main refuses to start unless VYPAR_ENV=dev.
const devOTPEcho = true
