// Package cloud is the boundary to the upstream IoT platform.
//
// This package manages:
//   - Minting short-lived device JWTs for the upstream MQTT connection
//     (ES256/RS256 through the device identity signer, HS256 through a
//     shared development secret)
//   - Supplying per-connect credentials to the MQTT client, so every
//     reconnect carries a fresh token
//   - Wrapping outbound payloads in the platform's JSON envelope
//
// Tokens are cached and reused until they approach expiry; the signer
// is only exercised when a fresh token is actually needed. With a
// PKCS#11 identity that keeps HSM round trips off the reconnect path
// for rapid reconnect cycles.
package cloud
