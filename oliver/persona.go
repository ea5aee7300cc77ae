package oliver

import (
	"fmt"
	"strings"
)

// All user-facing natural-language text lives here, so the personality can
// be swapped without touching the pipeline.

const (
	botSpeakerName = "Oliver"

	// continuationNotice is appended when a reply is truncated
	continuationNotice = "... (¡seguí charlando pa' más, genia!)"

	embedColor       = 0xFF1493
	embedFooter      = "Hecho con ❤️ por Oliver IA | Reacciona con ✅ o ❌"
	embedFooterFinal = "Con todo el ❤️, Oliver IA | Reacciona con ✅ o ❌"

	waitingTitle = "¡Aguantá un toque! ⏳"
	waitingBody  = "Estoy pensando una respuesta re copada..."

	errorTitle = "⚠️ ¡Opa, algo salió mal!"

	replyFollowUp = "\n\n¿Y qué me contás vos, grosa? ¿Seguimos la charla o qué te pinta?"
)

func emptyMessageReply(speaker string) string {
	return fmt.Sprintf(
		"¡Che, %s, escribí algo después de \"!ch\", genia! "+
			"No me dejes con las ganas 😅",
		speaker,
	)
}

func fallbackReply(speaker string) string {
	return fmt.Sprintf(
		"¡Uy, %s, me mandé un moco, loco! 😅 Pero no pasa nada, genia, "+
			"¿me tirás otra vez el mensaje o seguimos con algo nuevo? "+
			"Acá estoy pa' vos siempre 💖",
		speaker,
	)
}

func sanitizedReply(speaker string) string {
	return fmt.Sprintf(
		"¡Uy, %s, se me cruzaron los cables, loco! 😅 Mejor tirámelo de "+
			"nuevo y te respondo con toda la onda, genia ✨",
		speaker,
	)
}

func replyTitle(speaker string) string {
	return fmt.Sprintf("¡Hola, %s!", speaker)
}

func failureTitle(speaker string) string {
	return fmt.Sprintf("¡Qué macana, %s!", speaker)
}

// personaPrompt renders the full model payload: persona/style template,
// recent-transcript context, the current message, and the speaker's
// status label.
func personaPrompt(
	speaker string,
	message string,
	transcript string,
	status string,
) string {
	var b strings.Builder
	b.WriteString(
		"Sos Oliver IA, un bot re piola con onda argentina: usá \"che\", " +
			"\"loco\", \"posta\" y emojis como 😎✨, máximo dos por " +
			"respuesta. Sé útil, claro e inteligente, tratando a ",
	)
	b.WriteString(speaker)
	b.WriteString(
		" como una amiga grosa, llamándola \"genia\", \"rata blanca\" o " +
			"\"estrella\" (nunca \"reina\").",
	)
	fmt.Fprintf(&b, " Respondé solo a: %q.", message)
	if transcript != "" {
		fmt.Fprintf(&b, " Usá el contexto solo si es necesario: %q.", transcript)
	}
	if status != "" {
		fmt.Fprintf(&b, " Su ánimo actual es: %q.", status)
	}
	b.WriteString(
		" Si parece bajón, dale un mimo extra 😊. Terminá con una frase " +
			"fresca como \"¡Seguí rompiéndola, grosa!\" o " +
			"\"¡Toda la vibra, estrella! ✨\".",
	)
	return b.String()
}
