package sandbox

// preludeMarker guards against double injection: code that already
// carries it is never prefixed again.
const preludeMarker = "# charmgpt sandbox helper (generated)"

// Prelude is the in-guest helper injected ahead of every script. It
// resolves uploaded files by their logical names through the manifest
// the bridge writes into the input root, redirects recognized file
// writes into the designated output directory, and overrides the
// pandas tabular-read entry points so a logical name transparently
// resolves to the staged path. A miss raises a FileNotFoundError that
// enumerates the names that are available.
const Prelude = preludeMarker + ` -- do not edit
import os as _sb_os
import json as _sb_json

_SB_INPUT_DIR = _sb_os.environ.get("INPUT_DIR", "")
_SB_OUTPUT_DIR = _sb_os.environ.get("OUTPUT_DIR", ".")


def _sb_manifest():
    if not _SB_INPUT_DIR:
        return {}
    path = _sb_os.path.join(_SB_INPUT_DIR, "manifest.json")
    try:
        with open(path) as fh:
            return _sb_json.load(fh).get("files", {})
    except (OSError, ValueError):
        return {}


def list_uploaded_files():
    """Return the logical names of files uploaded with this request."""
    return sorted(_sb_manifest().keys())


def resolve_uploaded_file(name):
    """Resolve a logical name to a readable path.

    A path that already exists relative to the working directory wins
    over the manifest, so scripts passing correct paths keep working.
    """
    if not isinstance(name, str):
        return name
    if _sb_os.path.exists(name):
        return name
    files = _sb_manifest()
    if name in files:
        return _sb_os.path.join(_SB_INPUT_DIR, files[name])
    available = ", ".join(sorted(files.keys())) or "none"
    raise FileNotFoundError(
        "uploaded file %r not found; available files: %s" % (name, available))


def _sb_out(name):
    """Route a file-write target into the designated output directory."""
    if not isinstance(name, str) or _sb_os.path.isabs(name):
        return name
    return _sb_os.path.join(_SB_OUTPUT_DIR, _sb_os.path.basename(name))


try:
    import pandas as _sb_pd

    _sb_read_csv = _sb_pd.read_csv
    _sb_read_excel = _sb_pd.read_excel

    def _sb_patched_read_csv(filepath_or_buffer, *args, **kwargs):
        return _sb_read_csv(
            resolve_uploaded_file(filepath_or_buffer), *args, **kwargs)

    def _sb_patched_read_excel(io, *args, **kwargs):
        return _sb_read_excel(resolve_uploaded_file(io), *args, **kwargs)

    _sb_pd.read_csv = _sb_patched_read_csv
    _sb_pd.read_excel = _sb_patched_read_excel
except ImportError:
    pass
# -- end sandbox helper --
`
