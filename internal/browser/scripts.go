package browser

// BindingName is the page function through which page scripts message the
// core: window.__labelrunner({type, payload}) resolves with a Response.
const BindingName = "__labelrunner"

// DefaultFindOrderJS locates the site's order id for a visible order number,
// or for the last outbound row when the hint is empty. It returns "" when no
// row matches.
const DefaultFindOrderJS = `
(hint) => {
	const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
	const idOf = (row) => {
		if (row.dataset && row.dataset.orderId) return row.dataset.orderId;
		const tagged = row.querySelector('[data-order-id]');
		if (tagged) return tagged.getAttribute('data-order-id');
		for (const a of row.querySelectorAll('a[href]')) {
			const m = a.getAttribute('href').match(/orders?\/(\d+)/i);
			if (m) return m[1];
		}
		return '';
	};
	const rows = Array.from(document.querySelectorAll('[data-order-id], tbody tr, [role="row"]'));
	const want = norm(hint).replace(/^#/, '');
	if (want) {
		for (const row of rows) {
			if (norm(row.textContent).includes(want)) {
				const id = idOf(row);
				if (id) return String(id);
			}
		}
		return '';
	}
	const outbound = rows.filter((r) => /outbound/.test(norm(r.textContent)));
	for (let i = outbound.length - 1; i >= 0; i--) {
		const id = idOf(outbound[i]);
		if (id) return String(id);
	}
	return '';
}
`

// DefaultAutomateJS receives an open-order-and-automate message, announces
// the capture, and clicks the label control of the order. It returns whether
// a control was clicked.
const DefaultAutomateJS = `
async (msg) => {
	const p = (msg && msg.payload) || {};
	const id = String(p.orderId || '');
	if (!id) return false;
	const send = window.` + BindingName + `;
	if (typeof send === 'function') {
		try { await send({type: 'expect-capture', payload: {orderId: id}}); } catch (e) {}
	}
	const scope = document.querySelector('[data-order-id="' + CSS.escape(id) + '"]') || document;
	const candidates = Array.from(scope.querySelectorAll('button, a, [role="button"]'));
	const control = candidates.find((el) => /label/i.test(el.textContent || '') || /label/i.test(el.getAttribute('href') || ''));
	if (!control) return false;
	const href = control.getAttribute('href');
	if (href && /\.pdf|label/i.test(href) && typeof send === 'function') {
		try {
			await send({type: 'candidate-url', payload: {url: new URL(href, location.href).href, origin: 'href'}});
		} catch (e) {}
	}
	control.click();
	return true;
}
`
