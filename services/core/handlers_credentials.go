package core

import (
	"errors"
	"net/http"
)

// handleSealCredential encrypts an out-of-band credential (BMC or
// hypervisor login) and returns the opaque reference to put on job details
// plus the ciphertext the executor carries. Plaintext is never stored.
func (a *API) handleSealCredential(w http.ResponseWriter, r *http.Request) {
	if a.store.Sealer == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("credential sealing is not configured"))
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}

	ref, ciphertext, err := a.store.Sealer.Seal([]byte(req.Username + "\n" + req.Password))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"credential_reference": ref,
		"ciphertext":           ciphertext,
	})
}
