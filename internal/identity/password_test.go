package identity

import "testing"

func TestHashPasswordProducesPHCFormat(t *testing.T) {
	h := NewPasswordHasherFast()
	hash, err := h.HashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash[:10] != "$argon2id$" {
		t.Fatalf("expected argon2id PHC prefix, got %q", hash)
	}
}

func TestVerifyPasswordRoundTrip(t *testing.T) {
	h := NewPasswordHasherFast()
	hash, err := h.HashPassword("correct-horse-battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !h.VerifyPassword(hash, "correct-horse-battery") {
		t.Fatal("expected correct password to verify")
	}
	if h.VerifyPassword(hash, "wrong-password") {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	h := NewPasswordHasherFast()
	cases := []string{
		"",
		"not-a-phc-string",
		"$argon2id$v=19$m=bad$salt$hash",
		"$bcrypt$v=1$m=1,t=1,p=1$salt$hash",
	}
	for _, c := range cases {
		if h.VerifyPassword(c, "anything") {
			t.Errorf("expected malformed hash %q to fail verification", c)
		}
	}
}

func TestHashPasswordRejectsOverLengthInput(t *testing.T) {
	h := NewPasswordHasherFast()
	long := make([]byte, MaxPasswordBytes+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := h.HashPassword(string(long)); err != ErrPasswordTooLong {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestValidateComplexityRejectsShortPasswords(t *testing.T) {
	if err := ValidateComplexity("short"); err != ErrPasswordTooShort {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if err := ValidateComplexity("longenough1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidatePasswordChangeRejectsReuse(t *testing.T) {
	h := NewPasswordHasherFast()
	hash, err := h.HashPassword("originalpass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := h.ValidatePasswordChange(hash, "originalpass"); err != ErrPasswordReused {
		t.Fatalf("expected ErrPasswordReused, got %v", err)
	}
	if err := h.ValidatePasswordChange(hash, "brandnewpass"); err != nil {
		t.Fatalf("expected no error for distinct new password, got %v", err)
	}
}
