//go:build !devotp

package main

const devOTPEcho = false
