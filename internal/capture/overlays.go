package capture

import (
	"context"
	"fmt"
	"time"

	"croanalyzer/internal/browser"
)

// Overlays records which overlay kinds were found on a page and whether
// they could be closed before capture.
type Overlays struct {
	Detected  []string `json:"detected"`
	Dismissed []string `json:"dismissed"`
	Failed    []string `json:"failed"`
}

// overlayScript walks the known overlay kinds in order. For each visible
// overlay it clicks the first visible accept, close, backdrop or minimize
// control, falls back to an Escape key press, and hides chat widgets that
// still show. Cookie accept buttons are matched by label text.
const overlayScript = `() => {
  const kinds = [
    {name: 'cart_drawer',
     detect: ['[class*="cart-drawer"]', '[class*="cart-slide"]', '[class*="mini-cart"][class*="open"]', '[class*="minicart"][class*="active"]', '[class*="drawer"][class*="cart"]', '[class*="side-cart"]', '[class*="cart-modal"]', '.cart-drawer.is-open', '.drawer.is-open', '[data-cart-drawer]', '[id*="cart-drawer"]', '[id*="slide-cart"]'],
     close: ['[class*="cart-drawer"] [class*="close"]', '[class*="cart-drawer"] button[aria-label*="close" i]', '[class*="mini-cart"] [class*="close"]', '[class*="drawer"] [class*="close"]', '[class*="cart-drawer"] .close-btn', 'button[class*="drawer-close"]'],
     backdrop: ['[class*="cart-drawer-overlay"]', '[class*="drawer-backdrop"]', '[class*="drawer-overlay"]', '.overlay.is-visible']},
    {name: 'cookie_banner',
     detect: ['[class*="cookie"]', '[class*="consent"]', '[class*="gdpr"]', '[class*="privacy-banner"]', '[id*="cookie"]', '[id*="consent"]', '[id*="gdpr"]', '[data-cookie-banner]', '[aria-label*="cookie" i]'],
     acceptText: ['accept all', 'accept cookies', 'i accept', 'accept', 'got it', 'ok', 'allow', 'agree'],
     accept: ['[class*="cookie"] button[class*="accept"]', '[class*="consent"] button[class*="accept"]', '[class*="cookie"] button[class*="primary"]'],
     close: ['[class*="cookie"] [class*="close"]', '[class*="consent"] [class*="close"]', '[class*="gdpr"] [class*="close"]']},
    {name: 'newsletter_popup',
     detect: ['[class*="newsletter"][class*="popup"]', '[class*="newsletter"][class*="modal"]', '[class*="email-popup"]', '[class*="subscribe-popup"]', '[class*="signup-modal"]', '.klaviyo-popup', '.klaviyo-form-modal', '[id*="newsletter-popup"]', '[id*="email-modal"]', '[data-popup-type="newsletter"]'],
     close: ['[class*="newsletter"] [class*="close"]', '[class*="newsletter"] button[aria-label*="close" i]', '[class*="popup"] [class*="close"]', '.klaviyo-close-form', '[class*="modal-close"]', 'button[class*="popup-close"]']},
    {name: 'marketing_popup',
     detect: ['[class*="bxc"][class*="bx-active"]', '[class*="bx-type-overlay"]', '[id*="bx-campaign"]', '.bxc.bx-impress', '[class*="attentive"]', '#attentive_overlay', '[class*="privy"]', '#privy-popup', '[class*="optinmonster"]', '#om-popup', '[class*="popup-overlay"][class*="visible"]', '[class*="promo-popup"]', '[class*="exit-intent"]'],
     close: ['[class*="bx-close"]', '.bxc [class*="close"]', '[id*="bx-campaign"] [class*="close"]', '.bx-button-close', '[class*="attentive"] [class*="close"]', '[class*="privy"] [class*="close"]', '[class*="optinmonster"] [class*="close"]', '[class*="popup"] button[aria-label*="close" i]', '[class*="popup"] .close-icon'],
     backdrop: ['.bx-slab', '[class*="popup-backdrop"]', '[class*="popup-overlay"]']},
    {name: 'chat_widget', hide: true,
     detect: ['[class*="intercom"]', '[class*="drift"]', '[class*="zendesk"]', '[class*="freshchat"]', '[class*="crisp"]', '[class*="tawk"]', '[class*="hubspot-messages"]', '[class*="chat-widget"]', '[id*="intercom"]', '[id*="drift"]', '[id*="zendesk-chat"]', 'iframe[title*="chat" i]'],
     minimize: ['[class*="intercom"] [class*="close"]', '[class*="drift"] [class*="close"]', '[class*="chat-widget"] [class*="minimize"]']},
    {name: 'generic_modal',
     detect: ['[role="dialog"]:not([aria-hidden="true"])', '.modal.show', '.modal.is-open', '.modal.active', '[class*="modal"][class*="open"]', '[class*="modal"][class*="visible"]', '[class*="lightbox"][class*="open"]', '[class*="popup"][class*="active"]', '[data-modal-open="true"]'],
     close: ['[role="dialog"] button[aria-label*="close" i]', '[role="dialog"] [class*="close"]', '.modal button[class*="close"]', '.modal [class*="close-btn"]', '.modal-close', 'button[data-dismiss="modal"]'],
     backdrop: ['.modal-backdrop', '.modal-overlay', '[class*="overlay"][class*="modal"]']}
  ];
  const visible = (el) => {
    if (!el || !el.getClientRects().length) return false;
    const s = getComputedStyle(el);
    return s.visibility !== 'hidden' && s.display !== 'none' && s.opacity !== '0';
  };
  const first = (sels) => {
    for (const sel of sels || []) {
      let el = null;
      try { el = document.querySelector(sel); } catch (e) { continue; }
      if (visible(el)) return el;
    }
    return null;
  };
  const click = (el) => { try { el.click(); return true; } catch (e) { return false; } };
  const byText = (labels) => {
    if (!labels) return null;
    const buttons = Array.from(document.querySelectorAll('button, [role="button"]')).filter(visible);
    for (const label of labels) {
      const hit = buttons.find((b) => (b.innerText || '').trim().toLowerCase() === label);
      if (hit) return hit;
    }
    return null;
  };
  const escape = () => {
    for (const type of ['keydown', 'keyup']) {
      document.dispatchEvent(new KeyboardEvent(type, {key: 'Escape', code: 'Escape', keyCode: 27, bubbles: true}));
    }
  };
  const out = {detected: [], dismissed: [], failed: []};
  for (const k of kinds) {
    if (!first(k.detect)) continue;
    out.detected.push(k.name);
    let done = false;
    for (const pick of [() => byText(k.acceptText), () => first(k.accept), () => first(k.close), () => first(k.backdrop), () => first(k.minimize)]) {
      const el = pick();
      if (el && click(el)) { done = true; break; }
    }
    if (!done) {
      escape();
      done = !first(k.detect);
    }
    if (!done && k.hide) {
      for (const sel of k.detect) {
        document.querySelectorAll(sel).forEach((el) => { el.style.display = 'none'; el.style.visibility = 'hidden'; });
      }
      done = true;
    }
    (done ? out.dismissed : out.failed).push(k.name);
  }
  escape();
  return JSON.stringify(out);
}`

// DismissOverlays closes cookie banners, cart drawers, marketing popups,
// chat widgets and modals so they do not hide page content in screenshots.
func DismissOverlays(ctx context.Context, page browser.Page) (Overlays, error) {
	var o Overlays
	if err := page.EvalJSON(ctx, overlayScript, &o); err != nil {
		return Overlays{}, fmt.Errorf("dismiss overlays: %w", err)
	}
	return o, nil
}

// dismissOverlays runs DismissOverlays and waits for close animations when
// something was dismissed. Failures are logged; the capture goes ahead.
func (c *Capturer) dismissOverlays(ctx context.Context, page browser.Page, url string) Overlays {
	o, err := DismissOverlays(ctx, page)
	if err != nil {
		c.logWarn("capture_overlays_failed", "url", url, "error", err)
		return Overlays{}
	}
	if len(o.Failed) > 0 {
		c.logWarn("capture_overlays_remaining", "url", url, "failed", o.Failed)
	}
	if len(o.Dismissed) > 0 && c.opts.OverlayWait > 0 {
		select {
		case <-time.After(c.opts.OverlayWait):
		case <-ctx.Done():
		}
	}
	return o
}
