// Package identity manages the device's TLS identity for upstream connections.
//
// This package manages:
//   - Loading the device certificate and private key from files
//   - PKCS#11-backed signing for keys held in an HSM or secure element
//   - Building tls.Config values for the upstream MQTT link
//   - Exposing a crypto.Signer for JWT credential minting
//
// # Key Sources
//
// Two sources are supported, selected by configuration:
//
//   - File: cert_file and key_file on disk (development, soft deployments)
//   - PKCS#11: the private key never leaves the token; the certificate
//     still comes from cert_file
//
// # Security Considerations
//
//   - The PKCS#11 PIN should be set via SKYBRIDGE_PKCS11_PIN, not the file
//   - File keys should have 0600 permissions
//   - The CA bundle pins the upstream endpoint; system roots are used
//     when no ca_cert is configured
package identity
