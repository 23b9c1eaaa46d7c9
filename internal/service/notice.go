package service

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/xxxsen/toolnav/internal/model"
)

func codeMessage(purpose model.Purpose, code string, ttl time.Duration) (string, string) {
	var action string
	switch purpose {
	case model.PurposeRegister:
		action = "finish creating your account"
	case model.PurposeLogin:
		action = "sign in"
	case model.PurposePasswordChange:
		action = "change your password"
	case model.PurposeEmailChange:
		action = "confirm your new email address"
	default:
		action = "submit your feedback"
	}
	subject := "Your verification code"
	body := fmt.Sprintf("Use the code %s to %s. It expires in %d minutes.\n\n"+
		"If you did not request this code you can ignore this email.", code, action, int(ttl.Minutes()))
	return subject, body
}

func revokeLink(base, token string) string {
	u, err := url.Parse(base)
	if err != nil {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + "token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func emailChangedNotice(change *model.EmailChange, link string, window time.Duration) (string, string) {
	subject := "Your account email was changed"
	body := fmt.Sprintf("The email address on your account was changed from %s to %s.\n\n"+
		"If you did not make this change, open the link below within %d hours to undo it:\n%s\n",
		change.OldEmail, change.NewEmail, int(window.Hours()), link)
	return subject, body
}

func emailAddedNotice(change *model.EmailChange) (string, string) {
	subject := "Your account email was updated"
	body := fmt.Sprintf("This address is now the sign-in email for your account (previously %s).\n", change.OldEmail)
	return subject, body
}

func emailRevokedNotice(change *model.EmailChange) (string, string) {
	subject := "Email change reverted"
	body := fmt.Sprintf("The change of your account email to %s was reverted. "+
		"Your sign-in email is %s again.\n", change.NewEmail, change.OldEmail)
	return subject, body
}

func emailRemovedNotice(change *model.EmailChange) (string, string) {
	subject := "Email change reverted"
	body := fmt.Sprintf("The owner of %s undid the change that made this address the sign-in email of their account. "+
		"This address is no longer linked to that account.\n", change.OldEmail)
	return subject, body
}
