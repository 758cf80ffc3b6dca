package auth

import (
	"fmt"

	"github.com/wisbric/opswatch/pkg/messaging"
)

func renderWelcome() messaging.OutMessage {
	kb := messaging.Keyboard{}.Row(messaging.Button{
		Text:         "Авторизоваться",
		CallbackData: cbAuthorize,
	})
	return messaging.OutMessage{
		Text:      "👋 Добро пожаловать в бот поддержки.\n\nДля доступа к функциям подтвердите рабочую почту.",
		ParseMode: messaging.ParseModeHTML,
		Keyboard:  &kb,
	}
}

func renderEmailPrompt() messaging.OutMessage {
	return messaging.OutMessage{
		Text:      "📧 Отправьте вашу рабочую почту одним сообщением.",
		ParseMode: messaging.ParseModeHTML,
	}
}

func renderCodeSent(email string) messaging.OutMessage {
	kb := messaging.Keyboard{}.Row(messaging.Button{
		Text:         "Изменить почту",
		CallbackData: cbChangeEmail,
	})
	return messaging.OutMessage{
		Text:      fmt.Sprintf("✉️ Код отправлен на <b>%s</b>.\n\nВведите шестизначный код из письма. Код действует 10 минут.", email),
		ParseMode: messaging.ParseModeHTML,
		Keyboard:  &kb,
	}
}

func renderPostVerify(agent bool) messaging.OutMessage {
	if agent {
		return messaging.OutMessage{
			Text:      "✅ Почта подтверждена.\n\nВы авторизованы как агент: вам доступны действия с заявками в теме задач.",
			ParseMode: messaging.ParseModeHTML,
		}
	}
	return messaging.OutMessage{
		Text:      "✅ Почта подтверждена.\n\nВам доступен поиск сотрудников и уведомления.",
		ParseMode: messaging.ParseModeHTML,
	}
}

func renderWrongCode() messaging.OutMessage {
	return messaging.OutMessage{
		Text:      "❌ Неверный код. Проверьте письмо и попробуйте ещё раз.",
		ParseMode: messaging.ParseModeHTML,
		Silent:    true,
	}
}

func renderFarewell() messaging.OutMessage {
	return messaging.OutMessage{
		Text:      "Вы вышли из учётной записи. Отправьте /start, чтобы авторизоваться снова.",
		ParseMode: messaging.ParseModeHTML,
	}
}
