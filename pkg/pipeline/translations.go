package pipeline

// User-facing rejection texts by output language. English is the fallback for
// any language or key without a translation.
var rejectionTexts = map[string]map[string]string{
	"en": {
		"insufficient_credits":        "You don't have enough credits to send this message. Please top up your account to continue.",
		"harmful_or_illegal_detected": "This request was declined because it appears to ask for harmful or illegal content.",
		"misuse_detected":             "This request was declined because it appears to misuse the service.",
	},
	"de": {
		"insufficient_credits":        "Du hast nicht genügend Guthaben, um diese Nachricht zu senden. Bitte lade dein Konto auf, um fortzufahren.",
		"harmful_or_illegal_detected": "Diese Anfrage wurde abgelehnt, da sie schädliche oder illegale Inhalte anzufordern scheint.",
		"misuse_detected":             "Diese Anfrage wurde abgelehnt, da sie den Dienst zu missbrauchen scheint.",
	},
	"es": {
		"insufficient_credits":        "No tienes suficientes créditos para enviar este mensaje. Recarga tu cuenta para continuar.",
		"harmful_or_illegal_detected": "Esta solicitud fue rechazada porque parece pedir contenido dañino o ilegal.",
		"misuse_detected":             "Esta solicitud fue rechazada porque parece hacer un mal uso del servicio.",
	},
	"fr": {
		"insufficient_credits":        "Vous n'avez pas assez de crédits pour envoyer ce message. Veuillez recharger votre compte pour continuer.",
		"harmful_or_illegal_detected": "Cette demande a été refusée car elle semble demander du contenu nuisible ou illégal.",
		"misuse_detected":             "Cette demande a été refusée car elle semble détourner le service de son usage.",
	},
}

// Advice disclaimers appended to responses in regulated categories.
var disclaimerTexts = map[string]map[string]string{
	"en": {
		"financial":     "Please note: this is general information, not professional financial advice.",
		"medical":       "Please note: this is general information, not professional medical advice. Consult a doctor for health concerns.",
		"legal":         "Please note: this is general information, not professional legal advice.",
		"mental_health": "Please note: this is general information, not professional mental health support. If you are in crisis, please reach out to a local helpline.",
	},
	"de": {
		"financial":     "Hinweis: Dies sind allgemeine Informationen, keine professionelle Finanzberatung.",
		"medical":       "Hinweis: Dies sind allgemeine Informationen, keine professionelle medizinische Beratung. Wende dich bei gesundheitlichen Fragen an einen Arzt.",
		"legal":         "Hinweis: Dies sind allgemeine Informationen, keine professionelle Rechtsberatung.",
		"mental_health": "Hinweis: Dies sind allgemeine Informationen, keine professionelle psychologische Unterstützung. In einer Krise wende dich bitte an eine lokale Hilfsstelle.",
	},
}

// RejectionText returns the translated user-facing text for a rejection
// reason, falling back to English.
func RejectionText(lang, reason string) string {
	if texts, ok := rejectionTexts[lang]; ok {
		if t, ok := texts[reason]; ok {
			return t
		}
	}
	return rejectionTexts["en"][reason]
}

// DisclaimerText returns the translated disclaimer for a type, falling back
// to English. Empty string for unknown types.
func DisclaimerText(lang, disclaimerType string) string {
	if texts, ok := disclaimerTexts[lang]; ok {
		if t, ok := texts[disclaimerType]; ok {
			return t
		}
	}
	return disclaimerTexts["en"][disclaimerType]
}
