package validation

// ---- API request validators ----
// These functions validate HTTP handler input and return user-safe error messages.

// ValidateAddPeerParams validates parameters for POST /api/config/client/add.
// address is optional.
func ValidateAddPeerParams(iface, name, address string) error {
	return All(
		func() error { return InterfaceName("iface", iface) },
		func() error { return PeerName("name", name) },
		func() error {
			if address == "" {
				return nil
			}
			return IPv4("address", address)
		},
	)
}

// ValidateRemovePeerParams validates parameters for POST /api/config/client/remove.
func ValidateRemovePeerParams(iface, publicKey string) error {
	if err := InterfaceName("iface", iface); err != nil {
		return err
	}
	return PublicKey("pubKey", publicKey)
}

// ValidateRenamePeerParams validates parameters for POST /api/config/client/rename.
func ValidateRenamePeerParams(publicKey, name string) error {
	if err := PublicKey("pubKey", publicKey); err != nil {
		return err
	}
	return PeerName("name", name)
}

// ValidateFrontendParams validates parameters for POST /api/config/frontend.
// Zero values mean "leave unchanged".
func ValidateFrontendParams(dns []string, passkey string, rotationMinutes int) error {
	var errs Errors
	errs.Add(DNSServers("dns", dns))
	if passkey != "" {
		errs.Add(Passkey("frontendPasskey", passkey))
	}
	if rotationMinutes != 0 {
		errs.Add(RotationMinutes("runtimeRotationMinutes", rotationMinutes))
	}
	return errs.First()
}
